// Package consumers feeds Kafka topics into the pipeline.
package consumers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/clients/kafka_client"
	"github.com/spacesedan/hookflow/internal/models"
)

const (
	SecretHeader  = "webhook-secret"
	maxRetryDelay = 30 * time.Second
)

type Ingester interface {
	IngestWebhook(ctx context.Context, secret string, rec models.IngestRecord) (models.ProcessingBatch, bool, error)
}

// Committer acknowledges a processed message.
type Committer interface {
	Commit(msg *kafka.Message) error
}

// RawContentConsumer ingests webhook payloads from the raw-content topic.
// Offsets are committed once a message is ingested, filtered out or found
// unprocessable. Retryable failures block the partition until they clear.
type RawContentConsumer struct {
	ingester Ingester
	health   []*atomic.Bool
	delay    time.Duration
}

func NewRawContentConsumer(ingester Ingester, health ...*atomic.Bool) *RawContentConsumer {
	return &RawContentConsumer{ingester: ingester, health: health, delay: kafka_client.RETRY_DELAY}
}

func (c *RawContentConsumer) healthy() bool {
	for _, h := range c.health {
		if !h.Load() {
			return false
		}
	}
	return true
}

// Start satisfies kafka_client.ConsumerFunc.
func (c *RawContentConsumer) Start(ctx context.Context, consumer *kafka.Consumer) {
	iterator := kafka_client.NewKafkaMessageIterator(ctx, consumer)
	committer := kafka_client.NewCommitHandler(ctx, consumer)

	slog.Info("[RawContentConsumer] Listening for messages...")

	for {
		select {
		case <-ctx.Done():
			slog.Warn("[RawContentConsumer] Stopping consumer...")
			return
		default:
		}

		if !c.healthy() {
			slog.Debug("[RawContentConsumer] Dependencies unhealthy, pausing")
			if !sleep(ctx, c.delay) {
				return
			}
			continue
		}

		msg, err := iterator.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("[RawContentConsumer] Kafka consumer error",
				slog.String("error", err.Error()))
			continue
		}
		c.Handle(ctx, committer, msg)
	}
}

// Handle ingests one message and commits its offset unless ctx ended first.
func (c *RawContentConsumer) Handle(ctx context.Context, committer Committer, msg *kafka.Message) {
	var wm models.WebhookMessage
	if err := json.Unmarshal(msg.Value, &wm); err != nil {
		slog.Warn("[RawContentConsumer] Skipping undecodable message",
			slog.String("offset", msg.TopicPartition.Offset.String()),
			slog.String("error", err.Error()))
		c.commit(committer, msg)
		return
	}
	if wm.Secret == "" {
		wm.Secret = header(msg, SecretHeader)
	}

	if !c.ingest(ctx, wm) {
		return
	}
	c.commit(committer, msg)
}

// ingest reports whether the message is done with, successfully or not.
func (c *RawContentConsumer) ingest(ctx context.Context, wm models.WebhookMessage) bool {
	delay := c.delay
	for attempt := 1; ; attempt++ {
		batch, ok, err := c.ingester.IngestWebhook(ctx, wm.Secret, wm.Record)
		switch {
		case err == nil && ok:
			slog.Info("[RawContentConsumer] Webhook content ingested",
				slog.Int64("batch_id", batch.ID),
				slog.Int64("tenant_id", batch.TenantID))
			return true
		case err == nil:
			return true
		case apperr.IsTerminal(err):
			slog.Warn("[RawContentConsumer] Dropping message",
				slog.String("kind", apperr.KindOf(err).String()),
				slog.String("error", err.Error()))
			return true
		}

		slog.Warn("[RawContentConsumer] Ingest failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func (c *RawContentConsumer) commit(committer Committer, msg *kafka.Message) {
	if err := committer.Commit(msg); err != nil {
		slog.Warn("[RawContentConsumer] Failed to commit offset",
			slog.String("error", err.Error()))
	}
}

func header(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
