package kafka_client

import (
	"context"
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/spacesedan/hookflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartUnknownTopicFailsWithoutDialing(t *testing.T) {
	r := NewConsumerRegistry()
	dialed := false
	r.dial = func(config.KafkaConfig, ...string) (*kafka.Consumer, error) {
		dialed = true
		return nil, errors.New("unreachable")
	}

	err := r.Start(context.Background(), config.KafkaConfig{}, KAFKA_TOPIC_RAW_CONTENT)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No consumer found for topic: "+KAFKA_TOPIC_RAW_CONTENT)
	assert.False(t, dialed)
}

func TestStartRegisteredTopicDialsThatTopic(t *testing.T) {
	r := NewConsumerRegistry()
	r.Register(KAFKA_TOPIC_RAW_CONTENT, func(context.Context, *kafka.Consumer) {
		t.Fatal("consumer must not run when the dial fails")
	})

	var gotTopics []string
	r.dial = func(_ config.KafkaConfig, topics ...string) (*kafka.Consumer, error) {
		gotTopics = topics
		return nil, errors.New("broker down")
	}

	err := r.Start(context.Background(), config.KafkaConfig{Broker: "localhost:9092"}, KAFKA_TOPIC_RAW_CONTENT)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, []string{KAFKA_TOPIC_RAW_CONTENT}, gotTopics)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewConsumerRegistry(), NewConsumerRegistry()
	a.Register(KAFKA_TOPIC_RAW_CONTENT, func(context.Context, *kafka.Consumer) {})

	_, ok := a.lookup(KAFKA_TOPIC_RAW_CONTENT)
	assert.True(t, ok)
	_, ok = b.lookup(KAFKA_TOPIC_RAW_CONTENT)
	assert.False(t, ok)
}
