package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockIngester struct{ mock.Mock }

func (m *mockIngester) IngestWebhook(ctx context.Context, secret string, rec models.IngestRecord) (models.ProcessingBatch, bool, error) {
	args := m.Called(ctx, secret, rec)
	return args.Get(0).(models.ProcessingBatch), args.Bool(1), args.Error(2)
}

type countingCommitter struct{ commits int }

func (c *countingCommitter) Commit(*kafka.Message) error {
	c.commits++
	return nil
}

func message(t *testing.T, wm models.WebhookMessage) *kafka.Message {
	t.Helper()
	data, err := json.Marshal(wm)
	assert.NoError(t, err)
	return &kafka.Message{Value: data}
}

func newTestConsumer(ing Ingester) *RawContentConsumer {
	c := NewRawContentConsumer(ing)
	c.delay = time.Millisecond
	return c
}

func TestHandleIngestsAndCommits(t *testing.T) {
	ing := &mockIngester{}
	rec := models.IngestRecord{Content: "weekly sync notes", ContentType: "meeting_transcript"}
	ing.On("IngestWebhook", mock.Anything, "s3cret", rec).Return(models.ProcessingBatch{ID: 4, TenantID: 7}, true, nil).Once()
	committer := &countingCommitter{}

	newTestConsumer(ing).Handle(context.Background(), committer, message(t, models.WebhookMessage{Secret: "s3cret", Record: rec}))

	assert.Equal(t, 1, committer.commits)
	ing.AssertExpectations(t)
}

func TestHandleReadsSecretFromHeader(t *testing.T) {
	ing := &mockIngester{}
	ing.On("IngestWebhook", mock.Anything, "from-header", mock.Anything).Return(models.ProcessingBatch{}, false, nil).Once()
	msg := message(t, models.WebhookMessage{Record: models.IngestRecord{Content: "x"}})
	msg.Headers = []kafka.Header{{Key: SecretHeader, Value: []byte("from-header")}}
	committer := &countingCommitter{}

	newTestConsumer(ing).Handle(context.Background(), committer, msg)

	assert.Equal(t, 1, committer.commits)
	ing.AssertExpectations(t)
}

func TestHandleSkipsPoisonMessages(t *testing.T) {
	ing := &mockIngester{}
	committer := &countingCommitter{}

	newTestConsumer(ing).Handle(context.Background(), committer, &kafka.Message{Value: []byte("{not json")})

	assert.Equal(t, 1, committer.commits)
	ing.AssertNotCalled(t, "IngestWebhook", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDropsTerminalFailures(t *testing.T) {
	ing := &mockIngester{}
	ing.On("IngestWebhook", mock.Anything, "bad", mock.Anything).
		Return(models.ProcessingBatch{}, false, apperr.Unauthorized("pipeline.IngestWebhook", "unknown secret", nil)).Once()
	committer := &countingCommitter{}

	newTestConsumer(ing).Handle(context.Background(), committer, message(t, models.WebhookMessage{Secret: "bad"}))

	assert.Equal(t, 1, committer.commits)
	ing.AssertExpectations(t)
}

func TestHandleRetriesUntilIngestSucceeds(t *testing.T) {
	ing := &mockIngester{}
	ing.On("IngestWebhook", mock.Anything, "s3cret", mock.Anything).
		Return(models.ProcessingBatch{}, false, errors.New("connection refused")).Twice()
	ing.On("IngestWebhook", mock.Anything, "s3cret", mock.Anything).
		Return(models.ProcessingBatch{ID: 1}, true, nil).Once()
	committer := &countingCommitter{}

	newTestConsumer(ing).Handle(context.Background(), committer, message(t, models.WebhookMessage{Secret: "s3cret"}))

	assert.Equal(t, 1, committer.commits)
	ing.AssertNumberOfCalls(t, "IngestWebhook", 3)
}

func TestHandleLeavesOffsetWhenStoppedMidRetry(t *testing.T) {
	ing := &mockIngester{}
	ing.On("IngestWebhook", mock.Anything, "s3cret", mock.Anything).
		Return(models.ProcessingBatch{}, false, errors.New("connection refused"))
	committer := &countingCommitter{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	newTestConsumer(ing).Handle(ctx, committer, message(t, models.WebhookMessage{Secret: "s3cret"}))

	assert.Zero(t, committer.commits)
}

func TestHealthGate(t *testing.T) {
	var a, b atomic.Bool
	a.Store(true)
	c := NewRawContentConsumer(&mockIngester{}, &a, &b)
	assert.False(t, c.healthy())
	b.Store(true)
	assert.True(t, c.healthy())
}
