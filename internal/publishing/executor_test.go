package publishing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/db/dbtest"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/platform"
	"github.com/spacesedan/hookflow/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var (
	now       = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	slot      = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	errBroken = errors.New("broken pipe")
)

type fakePlatform struct {
	publishes atomic.Int32
	publish   func(req platform.PublishRequest) (platform.PublishResult, error)
	metrics   platform.Metrics
}

func (f *fakePlatform) Name() string { return "linkedin" }

func (f *fakePlatform) Publish(_ context.Context, _ *oauth2.Token, req platform.PublishRequest) (platform.PublishResult, error) {
	f.publishes.Add(1)
	return f.publish(req)
}

func (f *fakePlatform) FetchAnalytics(context.Context, *oauth2.Token, string) (platform.Metrics, error) {
	return f.metrics, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) Token(context.Context, int64, string) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "tok"}, nil
}

type mockSink struct{ mock.Mock }

func (m *mockSink) IndexPublishedPost(ctx context.Context, post models.Post) error {
	return m.Called(ctx, post).Error(0)
}

func (m *mockSink) PutSnapshot(ctx context.Context, s models.AnalyticsSnapshot) error {
	return m.Called(ctx, s).Error(0)
}

type harness struct {
	exec   *Executor
	store  *dbtest.MemStore
	jobs   *queuetest.Recorder
	plat   *fakePlatform
	events *notify.Registry
	feed   <-chan notify.Event
}

func newHarness(t *testing.T, tokens fakeTokens) *harness {
	h := &harness{
		store:  dbtest.NewMemStore(),
		jobs:   queuetest.NewRecorder(),
		events: notify.NewRegistry(),
		plat: &fakePlatform{publish: func(platform.PublishRequest) (platform.PublishResult, error) {
			return platform.PublishResult{RemoteID: "urn:1", RemoteURL: "https://linkedin/1"}, nil
		}},
	}
	var unsubscribe func()
	h.feed, unsubscribe = h.events.Subscribe(7, "owner")
	t.Cleanup(unsubscribe)
	h.store.Now = func() time.Time { return now }
	h.exec = NewExecutor(h.store, tokens, platform.NewRegistry(h.plat), h.jobs, h.events)
	h.exec.now = func() time.Time { return now }
	return h
}

func (h *harness) post(status models.PostStatus) models.Post {
	at := slot
	return h.store.PutPost(models.Post{TenantID: 7, Platform: "linkedin", Content: "Onboarding wins.", Status: status, ScheduledFor: &at})
}

func payload(p models.Post) models.PublishPostPayload {
	return models.PublishPostPayload{PostID: p.ID, TenantID: p.TenantID, ScheduledFor: slot}
}

func (h *harness) reload(t *testing.T, id int64) models.Post {
	t.Helper()
	p, err := h.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestPublishAutoPublishedPost(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	sink := &mockSink{}
	sink.On("IndexPublishedPost", mock.Anything, mock.MatchedBy(func(p models.Post) bool { return p.RemoteID == "urn:1" })).Return(nil).Once()
	h.exec.Index = sink

	p := h.post(models.PostStatusApprovedAutoPublish)
	img, _ := h.store.InsertImage(context.Background(), models.Image{PostID: p.ID, URL: "https://img/1", Status: models.ImageStatusApproved})
	require.NoError(t, h.store.SelectImage(context.Background(), p.ID, img.ID))
	h.plat.publish = func(req platform.PublishRequest) (platform.PublishResult, error) {
		assert.Equal(t, "https://img/1", req.ImageURL)
		return platform.PublishResult{RemoteID: "urn:1", RemoteURL: "https://linkedin/1"}, nil
	}

	res, err := h.exec.Publish(context.Background(), payload(p))
	require.NoError(t, err)
	assert.Equal(t, "urn:1", res.RemoteID)
	assert.False(t, res.Skipped)

	got := h.reload(t, p.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "https://linkedin/1", got.RemoteURL)
	require.NotNil(t, got.PublishedAt)

	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ActionSchedule, recs[0].Action)
	assert.Equal(t, models.ActionPublish, recs[1].Action)
	assert.Equal(t, models.PostStatusPublished, recs[1].ToStatus)

	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, models.PublishEventPublished, hist[0].Event)

	jobs := h.jobs.Jobs(models.JobCollectAnalytics)
	require.Len(t, jobs, 1)
	assert.Equal(t, DefaultAnalyticsDelay, jobs[0].Options.Delay)

	assert.Equal(t, notify.EventPostPublished, (<-h.feed).Type)
	sink.AssertExpectations(t)
}

func TestPublishSkipsCancelledPost(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	p := h.post(models.PostStatusApproved)

	res, err := h.exec.Publish(context.Background(), payload(p))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, h.plat.publishes.Load())
	assert.Equal(t, models.PostStatusApproved, h.reload(t, p.ID).Status)
	assert.Empty(t, h.jobs.Jobs(models.JobCollectAnalytics))
}

func TestPublishSkipsSupersededJob(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	p := h.post(models.PostStatusScheduled)
	old := payload(p)
	old.ScheduledFor = slot.Add(-time.Hour)

	res, err := h.exec.Publish(context.Background(), old)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, h.plat.publishes.Load())
}

func TestPublishWithExpiredCredentialFailsTerminally(t *testing.T) {
	h := newHarness(t, fakeTokens{err: apperr.Unauthorized("platform.Token", "linkedin token expired and cannot be refreshed", nil)})
	p := h.post(models.PostStatusScheduled)

	_, err := h.exec.Publish(context.Background(), payload(p))
	require.Error(t, err)
	assert.True(t, apperr.IsTerminal(err))
	assert.Zero(t, h.plat.publishes.Load())

	got := h.reload(t, p.ID)
	assert.Equal(t, models.PostStatusPublishFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "token expired")

	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, models.PublishEventFailed, hist[0].Event)
	assert.Equal(t, notify.EventPostPublishFailed, (<-h.feed).Type)
}

func TestPublishRetryableFailureLeavesPostScheduled(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	h.plat.publish = func(platform.PublishRequest) (platform.PublishResult, error) {
		return platform.PublishResult{}, apperr.External("platform.Publish", "502", errBroken, false)
	}
	p := h.post(models.PostStatusScheduled)

	_, err := h.exec.Publish(context.Background(), payload(p))
	require.Error(t, err)
	assert.False(t, apperr.IsTerminal(err))
	assert.Equal(t, models.PostStatusScheduled, h.reload(t, p.ID).Status)

	require.NoError(t, h.exec.MarkFailed(context.Background(), payload(p), err))
	got := h.reload(t, p.ID)
	assert.Equal(t, models.PostStatusPublishFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "502")

	require.NoError(t, h.exec.MarkFailed(context.Background(), payload(p), err))
	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	assert.Len(t, hist, 1)
}

func TestMarkFailedLeavesRescheduledPostAlone(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	p := h.post(models.PostStatusScheduled)
	old := payload(p)
	old.ScheduledFor = slot.Add(-2 * time.Hour)

	require.NoError(t, h.exec.MarkFailed(context.Background(), old, apperr.External("platform.Publish", "502", errBroken, false)))

	got := h.reload(t, p.ID)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.Empty(t, got.ErrorMessage)
	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	assert.Empty(t, hist)
}

func TestPublishTerminalFailureOfSupersededJobKeepsNewSchedule(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	p := h.post(models.PostStatusScheduled)
	newer := slot.Add(3 * time.Hour)
	h.plat.publish = func(platform.PublishRequest) (platform.PublishResult, error) {
		rescheduled := p
		rescheduled.ScheduledFor = &newer
		h.store.PutPost(rescheduled)
		return platform.PublishResult{}, apperr.Unauthorized("platform.Publish", "403", nil)
	}

	_, err := h.exec.Publish(context.Background(), payload(p))
	require.Error(t, err)

	got := h.reload(t, p.ID)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.Equal(newer))
}

func TestMarkAnalyticsFailedRecordsCause(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	published := h.store.PutPost(models.Post{TenantID: 7, Platform: "linkedin", Status: models.PostStatusPublished, RemoteID: "urn:1"})

	err := h.exec.MarkAnalyticsFailed(context.Background(),
		models.CollectAnalyticsPayload{PostID: published.ID, RemoteID: "urn:1", TenantID: 7}, errors.New("rate limited"))
	require.NoError(t, err)

	got := h.reload(t, published.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "analytics collection failed: rate limited", got.ErrorMessage)
}

func TestPublishAbortsQuietlyWhenCancelledMidFlight(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	p := h.post(models.PostStatusScheduled)
	h.plat.publish = func(platform.PublishRequest) (platform.PublishResult, error) {
		cancelled := p
		cancelled.Status = models.PostStatusApproved
		cancelled.ScheduledFor = nil
		h.store.PutPost(cancelled)
		return platform.PublishResult{RemoteID: "urn:2"}, nil
	}

	res, err := h.exec.Publish(context.Background(), payload(p))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, models.PostStatusApproved, h.reload(t, p.ID).Status)
	assert.Empty(t, h.jobs.Jobs(models.JobCollectAnalytics))
}

func TestCollectAnalytics(t *testing.T) {
	h := newHarness(t, fakeTokens{})
	sink := &mockSink{}
	sink.On("PutSnapshot", mock.Anything, mock.MatchedBy(func(s models.AnalyticsSnapshot) bool {
		return s.Likes == 120 && s.RemoteID == "urn:1"
	})).Return(errors.New("throttled")).Once()
	h.exec.Archive = sink
	h.plat.metrics = platform.Metrics{Likes: 120, Comments: 10, Shares: 5, Impressions: 3000}

	published := h.store.PutPost(models.Post{TenantID: 7, Platform: "linkedin", Status: models.PostStatusPublished, RemoteID: "urn:1"})
	m, err := h.exec.CollectAnalytics(context.Background(), models.CollectAnalyticsPayload{PostID: published.ID, TenantID: 7})
	require.NoError(t, err)
	assert.Equal(t, 120, m.Likes)

	got := h.reload(t, published.ID)
	assert.InDelta(t, 18.5, got.PerformanceScore, 1e-9)
	assert.Equal(t, 10, got.Metrics["comments"])
	sink.AssertExpectations(t)

	draft := h.store.PutPost(models.Post{TenantID: 7, Platform: "linkedin", Status: models.PostStatusDraft})
	_, err = h.exec.CollectAnalytics(context.Background(), models.CollectAnalyticsPayload{PostID: draft.ID})
	require.NoError(t, err)
	assert.Zero(t, h.reload(t, draft.ID).PerformanceScore)
}
