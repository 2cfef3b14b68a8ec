package kafka_client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/spacesedan/hookflow/config"
)

type ConsumerFunc func(context.Context, *kafka.Consumer)

// ConsumerRegistry maps topics to the functions that drain them.
type ConsumerRegistry struct {
	mu        sync.RWMutex
	consumers map[string]ConsumerFunc
	dial      func(cfg config.KafkaConfig, topics ...string) (*kafka.Consumer, error)
}

func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{
		consumers: make(map[string]ConsumerFunc),
		dial:      NewConsumer,
	}
}

func (r *ConsumerRegistry) Register(topic string, consumerFunc ConsumerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[topic] = consumerFunc
}

func (r *ConsumerRegistry) lookup(topic string) (ConsumerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.consumers[topic]
	return fn, ok
}

// Start runs the consumer registered for topic until ctx is done.
func (r *ConsumerRegistry) Start(ctx context.Context, cfg config.KafkaConfig, topic string) error {
	consumerFunc, exists := r.lookup(topic)
	if !exists {
		return fmt.Errorf("[ConsumerFactory] No consumer found for topic: %s", topic)
	}

	consumer, err := r.dial(cfg, topic)
	if err != nil {
		return fmt.Errorf("[ConsumerFactory] Failed to initialize Kafka consumer: %w", err)
	}
	defer consumer.Close()

	slog.Info("[ConsumerFactory] Starting consumer for topic...", slog.String("topic", topic))
	consumerFunc(ctx, consumer)

	return nil
}
