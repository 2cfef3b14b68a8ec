package approval

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/db/dbtest"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

type fixedScheduler struct {
	at        time.Time
	preferred *time.Time
	calls     atomic.Int32
}

func (f *fixedScheduler) CalculateOptimalTime(_ context.Context, _, _ int64, preferred *time.Time) time.Time {
	f.calls.Add(1)
	f.preferred = preferred
	return f.at
}

type recordedEvents struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordedEvents) Publish(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc    *Service
	store  *dbtest.MemStore
	jobs   *queuetest.Recorder
	sched  *fixedScheduler
	events *recordedEvents
}

func newHarness() *harness {
	h := &harness{
		store:  dbtest.NewMemStore(),
		jobs:   queuetest.NewRecorder(),
		sched:  &fixedScheduler{at: now.Add(4 * time.Hour)},
		events: &recordedEvents{},
	}
	h.store.Now = func() time.Time { return now }
	h.svc = NewService(h.store, h.sched, h.jobs, h.events)
	h.svc.now = func() time.Time { return now }
	return h
}

func (h *harness) post(status models.PostStatus) models.Post {
	return h.store.PutPost(models.Post{
		HookID:          11,
		BatchID:         3,
		ContentSourceID: 2,
		TenantID:        7,
		Platform:        "twitter",
		Content:         "Onboarding wins.",
		Status:          status,
	})
}

func (h *harness) status(t *testing.T, id int64) models.PostStatus {
	t.Helper()
	p, err := h.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestSubmit(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusDraft)

	got, err := h.svc.Submit(context.Background(), p.ID, "author")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPendingApproval, got.Status)
	assert.Equal(t, []notify.EventType{notify.EventPostSubmitted}, h.events.types())

	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, models.ActionSubmit, recs[0].Action)
	assert.Equal(t, models.PostStatusDraft, recs[0].FromStatus)
	assert.Equal(t, models.PostStatusPendingApproval, recs[0].ToStatus)
}

func TestApprovePlain(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	got, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{Notes: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	assert.Nil(t, got.ScheduledFor)
	assert.Empty(t, h.jobs.Jobs(models.JobPublishPost))
	assert.Zero(t, h.sched.calls.Load())
	assert.Equal(t, []notify.EventType{notify.EventPostApproved}, h.events.types())
}

func TestApproveAutoPublishWithoutTimeEnqueuesPublish(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	got, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{AutoPublish: true})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApprovedAutoPublish, got.Status)
	assert.Nil(t, h.sched.preferred)

	jobs := h.jobs.Jobs(models.JobPublishPost)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobs[0].Handle.ID, got.PublishJobID)
	assert.Equal(t, models.QueuePublishing, jobs[0].Handle.Queue)
	assert.GreaterOrEqual(t, jobs[0].Options.Delay, time.Duration(0))
	assert.Equal(t, 4*time.Hour, jobs[0].Options.Delay)

	var payload models.PublishPostPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, p.ID, payload.PostID)
	assert.True(t, payload.ScheduledFor.Equal(h.sched.at))
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.Equal(h.sched.at))

	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, models.PublishEventScheduled, hist[0].Event)
	assert.Equal(t, []notify.EventType{notify.EventPostApproved, notify.EventPostScheduled}, h.events.types())
}

func TestApproveAutoPublishPastTimeNeverNegativeDelay(t *testing.T) {
	h := newHarness()
	h.sched.at = now.Add(-time.Minute)
	p := h.post(models.PostStatusPendingApproval)

	_, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{AutoPublish: true})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), h.jobs.Jobs(models.JobPublishPost)[0].Options.Delay)
}

func TestApproveWithExplicitTimeSchedules(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)
	at := now.Add(48 * time.Hour)

	got, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{ScheduledFor: &at})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.True(t, got.ScheduledFor.Equal(at))

	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ActionApprove, recs[0].Action)
	assert.Equal(t, models.ActionSchedule, recs[1].Action)

	past := now.Add(-time.Hour)
	other := h.post(models.PostStatusPendingApproval)
	_, err = h.svc.Approve(context.Background(), other.ID, "reviewer", ApproveOptions{ScheduledFor: &past})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, models.PostStatusPendingApproval, h.status(t, other.ID))
}

func TestApproveSelectsImage(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)
	ctx := context.Background()
	a, _ := h.store.InsertImage(ctx, models.Image{PostID: p.ID, Status: models.ImageStatusGenerated, Selected: true})
	b, _ := h.store.InsertImage(ctx, models.Image{PostID: p.ID, Status: models.ImageStatusGenerated})

	_, err := h.svc.Approve(ctx, p.ID, "reviewer", ApproveOptions{SelectedImageID: b.ID})
	require.NoError(t, err)

	imgs, _ := h.store.ListImages(ctx, p.ID)
	for _, img := range imgs {
		assert.Equal(t, img.ID == b.ID, img.Selected, "image %d", img.ID)
	}
	assert.NotEqual(t, a.ID, b.ID)
}

func TestApproveWithUnknownImageRollsBack(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	_, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{SelectedImageID: 999})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, models.PostStatusPendingApproval, h.status(t, p.ID))
	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	assert.Empty(t, recs)
}

func TestConcurrentApproveOnlyOneWins(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	var wins, validation atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(auto bool) {
			defer wg.Done()
			_, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{AutoPublish: auto})
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.Is(err, apperr.KindValidation):
				validation.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), validation.Load())
	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	assert.Len(t, recs, 1)
}

func TestRejectWithRegenerate(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	got, err := h.svc.Reject(context.Background(), p.ID, "reviewer", RejectOptions{Regenerate: true, Notes: "too salesy"})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusRegenerating, got.Status)

	jobs := h.jobs.Jobs(models.JobGeneratePosts)
	require.Len(t, jobs, 1)
	var payload models.GeneratePostsPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, []int64{11}, payload.HookIDs)
	assert.Equal(t, p.ID, payload.RegenerateOf)
	assert.Equal(t, int64(3), payload.BatchID)
}

func TestRejectWithRegenerateRollsBackWhenEnqueueFails(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)
	h.jobs.Err = apperr.External("queue.Enqueue", "valkey unavailable", nil, false)

	_, err := h.svc.Reject(context.Background(), p.ID, "reviewer", RejectOptions{Regenerate: true})
	require.Error(t, err)
	assert.Equal(t, models.PostStatusPendingApproval, h.status(t, p.ID))
	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	assert.Empty(t, recs)
	assert.Empty(t, h.events.types())
}

func TestRecordFailureKeepsStatus(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusRegenerating)

	got, err := h.svc.RecordFailure(context.Background(), p.ID, "regeneration failed: model timeout")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusRegenerating, got.Status)
	assert.Equal(t, "regeneration failed: model timeout", got.ErrorMessage)
	recs, _ := h.store.ListApprovalHistory(context.Background(), p.ID)
	assert.Empty(t, recs)

	_, err = h.svc.RecordFailure(context.Background(), 999, "x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRejectPlain(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)

	got, err := h.svc.Reject(context.Background(), p.ID, "reviewer", RejectOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusRejected, got.Status)
	assert.Empty(t, h.jobs.Jobs(models.JobGeneratePosts))
}

func TestEdit(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusApproved)
	content := "A sharper take on onboarding."

	got, err := h.svc.Edit(context.Background(), p.ID, "editor", models.PostPatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, len(content), got.CharacterCount)
	assert.Equal(t, models.PostStatusApproved, got.Status)

	tooLong := strings.Repeat("a", 300)
	_, err = h.svc.Edit(context.Background(), p.ID, "editor", models.PostPatch{Content: &tooLong})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	published := h.post(models.PostStatusPublished)
	_, err = h.svc.Edit(context.Background(), published.ID, "editor", models.PostPatch{Content: &content})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCancelScheduledRemovesJob(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)
	approved, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{AutoPublish: true})
	require.NoError(t, err)

	got, err := h.svc.CancelScheduled(context.Background(), p.ID, "reviewer", "hold")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	assert.Nil(t, got.ScheduledFor)
	assert.Empty(t, got.PublishJobID)
	assert.True(t, h.jobs.Removed(approved.PublishJobID))
	assert.Empty(t, h.jobs.Pending(models.JobPublishPost))

	hist, _ := h.store.ListPublishingHistory(context.Background(), p.ID)
	require.Len(t, hist, 2)
	assert.Equal(t, models.PublishEventCancelled, hist[1].Event)

	_, err = h.svc.CancelScheduled(context.Background(), p.ID, "reviewer", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestScheduleReplacesPreviousJob(t *testing.T) {
	h := newHarness()
	p := h.post(models.PostStatusPendingApproval)
	approved, err := h.svc.Approve(context.Background(), p.ID, "reviewer", ApproveOptions{AutoPublish: true})
	require.NoError(t, err)

	h.sched.at = now.Add(30 * time.Hour)
	got, err := h.svc.Schedule(context.Background(), p.ID, "reviewer", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.NotEqual(t, approved.PublishJobID, got.PublishJobID)
	assert.True(t, h.jobs.Removed(approved.PublishJobID))
	require.Len(t, h.jobs.Pending(models.JobPublishPost), 1)

	_, err = h.svc.Schedule(context.Background(), h.post(models.PostStatusDraft).ID, "reviewer", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRetryAndArchive(t *testing.T) {
	h := newHarness()
	failed := h.store.PutPost(models.Post{TenantID: 7, Status: models.PostStatusPublishFailed, ErrorMessage: "token expired"})

	got, err := h.svc.Retry(context.Background(), failed.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusApproved, got.Status)
	assert.Empty(t, got.ErrorMessage)

	_, err = h.svc.Archive(context.Background(), failed.ID, "ops", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	rejected := h.post(models.PostStatusRejected)
	got, err = h.svc.Archive(context.Background(), rejected.ID, "ops", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusArchived, got.Status)
}

func TestIllegalActionsLeaveStatusUnchanged(t *testing.T) {
	ctx := context.Background()
	for _, status := range models.AllPostStatuses {
		h := newHarness()
		p := h.post(status)

		if !status.CanApply(models.ActionSubmit) {
			_, err := h.svc.Submit(ctx, p.ID, "x")
			assert.True(t, apperr.Is(err, apperr.KindValidation), "submit from %s", status)
		}
		if !status.CanApply(models.ActionApprove) {
			_, err := h.svc.Approve(ctx, p.ID, "x", ApproveOptions{AutoPublish: true})
			assert.True(t, apperr.Is(err, apperr.KindValidation), "approve from %s", status)
		}
		if !status.CanApply(models.ActionReject) {
			_, err := h.svc.Reject(ctx, p.ID, "x", RejectOptions{Regenerate: true})
			assert.True(t, apperr.Is(err, apperr.KindValidation), "reject from %s", status)
		}
		if !status.CanApply(models.ActionCancel) {
			_, err := h.svc.CancelScheduled(ctx, p.ID, "x", "")
			assert.True(t, apperr.Is(err, apperr.KindValidation), "cancel from %s", status)
		}
		if !status.CanApply(models.ActionArchive) {
			_, err := h.svc.Archive(ctx, p.ID, "x", "")
			assert.True(t, apperr.Is(err, apperr.KindValidation), "archive from %s", status)
		}
		if !status.CanApply(models.ActionSchedule) {
			_, err := h.svc.Schedule(ctx, p.ID, "x", nil)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "schedule from %s", status)
		}

		assert.Equal(t, status, h.status(t, p.ID))
		assert.Empty(t, h.jobs.Jobs(models.JobPublishPost))
	}
}
