package notify

import (
	"context"
	"log/slog"

	"github.com/spacesedan/hookflow/internal/clients/kafka_client"
)

// LifecycleProducer is satisfied by *kafka_client.Producer.
type LifecycleProducer interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// KafkaObserver forwards events to the lifecycle topic from a single
// goroutine so Publish callers never wait on the broker.
type KafkaObserver struct {
	producer LifecycleProducer
	topic    string
	events   chan Event
}

func NewKafkaObserver(producer LifecycleProducer, queueSize int) *KafkaObserver {
	if queueSize <= 0 {
		queueSize = DefaultOfflineSize
	}
	return &KafkaObserver{
		producer: producer,
		topic:    kafka_client.KAFKA_TOPIC_POST_LIFECYCLE,
		events:   make(chan Event, queueSize),
	}
}

func (k *KafkaObserver) Observe(e Event) {
	select {
	case k.events <- e:
	default:
		slog.Warn("[KafkaObserver] Queue full, dropping lifecycle event",
			slog.String("type", string(e.Type)),
			slog.String("key", e.Key()))
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (k *KafkaObserver) Run(ctx context.Context) {
	slog.Info("[KafkaObserver] Forwarding lifecycle events",
		slog.String("topic", k.topic))
	for {
		select {
		case e := <-k.events:
			k.send(ctx, e)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-k.events:
					k.send(drain, e)
				default:
					slog.Info("[KafkaObserver] Stopped")
					return
				}
			}
		}
	}
}

func (k *KafkaObserver) send(ctx context.Context, e Event) {
	if err := k.producer.Publish(ctx, k.topic, e.Key(), e); err != nil {
		slog.Error("[KafkaObserver] Failed to publish lifecycle event",
			slog.String("type", string(e.Type)),
			slog.String("key", e.Key()),
			slog.String("error", err.Error()))
	}
}
