// Package approval moves posts through the review lifecycle. Every
// transition is checked and written under the post row lock together with
// its audit record.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/db"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/queue"
)

type Store interface {
	GetPost(ctx context.Context, id int64) (models.Post, error)
	UpdatePost(ctx context.Context, id int64, fn db.UpdateFunc) (models.Post, error)
}

type Scheduler interface {
	CalculateOptimalTime(ctx context.Context, postID, tenantID int64, preferred *time.Time) time.Time
}

type ApproveOptions struct {
	AutoPublish     bool       `json:"autoPublish"`
	ScheduledFor    *time.Time `json:"scheduledFor,omitempty"`
	SelectedImageID int64      `json:"selectedImageId,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

type RejectOptions struct {
	Regenerate bool   `json:"regenerate"`
	Notes      string `json:"notes,omitempty"`
}

type Service struct {
	store     Store
	scheduler Scheduler
	jobs      queue.Enqueuer
	events    notify.Publisher
	now       func() time.Time
}

func NewService(store Store, scheduler Scheduler, jobs queue.Enqueuer, events notify.Publisher) *Service {
	if events == nil {
		events = notify.Discard{}
	}
	return &Service{store: store, scheduler: scheduler, jobs: jobs, events: events, now: time.Now}
}

// SystemActor is recorded for transitions no person initiated.
const SystemActor = "system"

// Transition applies one checked edge to post and appends its approval
// record. Callers run it inside db.UpdateFunc.
func Transition(ctx context.Context, tx db.PostTx, post *models.Post, actor string, action models.PostAction, to models.PostStatus, notes string) error {
	from := post.Status
	if err := models.CheckTransition(from, action, to); err != nil {
		return err
	}
	post.Status = to
	return tx.AppendApproval(ctx, models.ApprovalRecord{
		PostID:     post.ID,
		TenantID:   post.TenantID,
		Actor:      actor,
		Action:     action,
		Notes:      notes,
		FromStatus: from,
		ToStatus:   to,
	})
}

func publishHandle(jobID string) queue.Handle {
	return queue.Handle{ID: jobID, Queue: models.QueuePublishing, Type: models.JobPublishPost}
}

// schedulePublish enqueues the delayed publish job and stamps it on post.
// It runs inside the update so a failed enqueue rolls the transition back.
func (s *Service) schedulePublish(ctx context.Context, tx db.PostTx, post *models.Post, at time.Time) error {
	h, err := s.jobs.Enqueue(ctx, models.QueuePublishing, models.JobPublishPost,
		models.PublishPostPayload{PostID: post.ID, TenantID: post.TenantID, ScheduledFor: at},
		queue.Options{Delay: max(at.Sub(s.now()), 0)})
	if err != nil {
		return fmt.Errorf("enqueue publish for post %d: %w", post.ID, err)
	}
	at = at.UTC()
	post.ScheduledFor = &at
	post.PublishJobID = h.ID
	return tx.AppendHistory(ctx, models.PublishingHistory{
		PostID:   post.ID,
		TenantID: post.TenantID,
		Event:    models.PublishEventScheduled,
		Metadata: map[string]any{"job_id": h.ID, "scheduled_for": at},
	})
}

// removeJob drops a superseded publish job. A job that already started
// finds the post changed and aborts on its own.
func (s *Service) removeJob(ctx context.Context, postID int64, jobID string) {
	if jobID == "" {
		return
	}
	removed, err := s.jobs.Remove(ctx, publishHandle(jobID))
	if err != nil {
		slog.Warn("[Approval] Failed to remove publish job",
			slog.Int64("post_id", postID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}
	slog.Debug("[Approval] Removed publish job",
		slog.Int64("post_id", postID),
		slog.String("job_id", jobID),
		slog.Bool("removed", removed))
}

func (s *Service) notify(t notify.EventType, post models.Post, actor, message string) {
	s.events.Publish(notify.Event{
		Type:     t,
		TenantID: post.TenantID,
		PostID:   post.ID,
		BatchID:  post.BatchID,
		Actor:    actor,
		Status:   string(post.Status),
		Message:  message,
		At:       s.now(),
	})
}

func (s *Service) Submit(ctx context.Context, postID int64, actor string) (models.Post, error) {
	post, err := s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		return Transition(ctx, tx, p, actor, models.ActionSubmit, models.PostStatusPendingApproval, "")
	})
	if err != nil {
		return models.Post{}, err
	}
	s.notify(notify.EventPostSubmitted, post, actor, "")
	return post, nil
}

// Approve accepts a pending post. AutoPublish computes the publish time
// (honoring ScheduledFor when usable) and enqueues the publish job. Without
// AutoPublish an explicit ScheduledFor schedules the post right away.
func (s *Service) Approve(ctx context.Context, postID int64, actor string, opts ApproveOptions) (models.Post, error) {
	var publishAt *time.Time
	if opts.AutoPublish || opts.ScheduledFor != nil {
		current, err := s.store.GetPost(ctx, postID)
		if err != nil {
			return models.Post{}, err
		}
		if current.Status != models.PostStatusPendingApproval {
			return models.Post{}, models.CheckTransition(current.Status, models.ActionApprove, models.PostStatusApproved)
		}
		var at time.Time
		switch {
		case opts.AutoPublish:
			at = s.scheduler.CalculateOptimalTime(ctx, postID, current.TenantID, opts.ScheduledFor)
		case opts.ScheduledFor.After(s.now()):
			at = *opts.ScheduledFor
		default:
			return models.Post{}, apperr.Validation("approval.Approve", "scheduled time %s is not in the future", opts.ScheduledFor.Format(time.RFC3339))
		}
		publishAt = &at
	}

	post, err := s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		target := models.PostStatusApproved
		if opts.AutoPublish {
			target = models.PostStatusApprovedAutoPublish
		}
		if err := Transition(ctx, tx, p, actor, models.ActionApprove, target, opts.Notes); err != nil {
			return err
		}
		if opts.SelectedImageID != 0 {
			if err := tx.SelectImage(ctx, p.ID, opts.SelectedImageID); err != nil {
				return err
			}
		}
		if publishAt == nil {
			return nil
		}
		if !opts.AutoPublish {
			if err := Transition(ctx, tx, p, actor, models.ActionSchedule, models.PostStatusScheduled, ""); err != nil {
				return err
			}
		}
		return s.schedulePublish(ctx, tx, p, *publishAt)
	})
	if err != nil {
		return models.Post{}, err
	}

	slog.Info("[Approval] Post approved",
		slog.Int64("post_id", post.ID),
		slog.String("actor", actor),
		slog.String("status", string(post.Status)),
		slog.Bool("auto_publish", opts.AutoPublish))

	s.notify(notify.EventPostApproved, post, actor, opts.Notes)
	if post.ScheduledFor != nil {
		s.notify(notify.EventPostScheduled, post, actor, post.ScheduledFor.Format(time.RFC3339))
	}
	return post, nil
}

// Reject turns a pending post down. With Regenerate a new draft is requested
// from the same hook; the request is enqueued inside the update so a failed
// enqueue leaves the post pending.
func (s *Service) Reject(ctx context.Context, postID int64, actor string, opts RejectOptions) (models.Post, error) {
	target := models.PostStatusRejected
	if opts.Regenerate {
		target = models.PostStatusRegenerating
	}
	post, err := s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		if err := Transition(ctx, tx, p, actor, models.ActionReject, target, opts.Notes); err != nil {
			return err
		}
		if !opts.Regenerate {
			return nil
		}
		_, err := s.jobs.Enqueue(ctx, models.QueueGeneration, models.JobGeneratePosts, models.GeneratePostsPayload{
			HookIDs:         []int64{p.HookID},
			TenantID:        p.TenantID,
			ContentSourceID: p.ContentSourceID,
			BatchID:         p.BatchID,
			RegenerateOf:    p.ID,
		}, queue.Options{})
		if err != nil {
			return fmt.Errorf("enqueue regeneration for post %d: %w", p.ID, err)
		}
		return nil
	})
	if err != nil {
		return models.Post{}, err
	}

	s.notify(notify.EventPostRejected, post, actor, opts.Notes)
	return post, nil
}

// RecordFailure stores cause as the post's error message without changing
// its status. Background jobs use it once they run out of attempts.
func (s *Service) RecordFailure(ctx context.Context, postID int64, cause string) (models.Post, error) {
	post, err := s.store.UpdatePost(ctx, postID, func(_ context.Context, _ db.PostTx, p *models.Post) error {
		p.ErrorMessage = cause
		return nil
	})
	if err != nil {
		return models.Post{}, err
	}
	slog.Warn("[Approval] Recorded post failure",
		slog.Int64("post_id", post.ID),
		slog.String("status", string(post.Status)),
		slog.String("error", cause))
	return post, nil
}

// Edit applies a validated patch. The status is unchanged.
func (s *Service) Edit(ctx context.Context, postID int64, actor string, patch models.PostPatch) (models.Post, error) {
	return s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		if err := patch.Validate(p.Platform); err != nil {
			return err
		}
		if err := Transition(ctx, tx, p, actor, models.ActionEdit, p.Status, describePatch(patch)); err != nil {
			return err
		}
		patch.Apply(p)
		return nil
	})
}

func describePatch(p models.PostPatch) string {
	var fields []string
	if p.Content != nil {
		fields = append(fields, "content")
	}
	if p.Hashtags != nil {
		fields = append(fields, "hashtags")
	}
	return "edited " + strings.Join(fields, ", ")
}

// Schedule moves an approved post to scheduled. A nil at lets the scheduler
// choose; an existing publish job is replaced.
func (s *Service) Schedule(ctx context.Context, postID int64, actor string, at *time.Time) (models.Post, error) {
	current, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return models.Post{}, err
	}
	if err := models.CheckTransition(current.Status, models.ActionSchedule, models.PostStatusScheduled); err != nil {
		return models.Post{}, err
	}
	publishAt := s.scheduler.CalculateOptimalTime(ctx, postID, current.TenantID, at)

	var previousJob string
	post, err := s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		previousJob = p.PublishJobID
		if err := Transition(ctx, tx, p, actor, models.ActionSchedule, models.PostStatusScheduled, ""); err != nil {
			return err
		}
		return s.schedulePublish(ctx, tx, p, publishAt)
	})
	if err != nil {
		return models.Post{}, err
	}

	s.removeJob(ctx, post.ID, previousJob)
	s.notify(notify.EventPostScheduled, post, actor, publishAt.Format(time.RFC3339))
	return post, nil
}

// CancelScheduled reverts a scheduled post to approved and removes its
// pending publish job.
func (s *Service) CancelScheduled(ctx context.Context, postID int64, actor, notes string) (models.Post, error) {
	var jobID string
	post, err := s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		jobID = p.PublishJobID
		scheduledFor := p.ScheduledFor
		if err := Transition(ctx, tx, p, actor, models.ActionCancel, models.PostStatusApproved, notes); err != nil {
			return err
		}
		p.ScheduledFor = nil
		p.PublishJobID = ""
		meta := map[string]any{"job_id": jobID}
		if scheduledFor != nil {
			meta["scheduled_for"] = *scheduledFor
		}
		return tx.AppendHistory(ctx, models.PublishingHistory{
			PostID:   p.ID,
			TenantID: p.TenantID,
			Event:    models.PublishEventCancelled,
			Metadata: meta,
		})
	})
	if err != nil {
		return models.Post{}, err
	}

	s.removeJob(ctx, post.ID, jobID)
	s.notify(notify.EventPostCancelled, post, actor, notes)
	return post, nil
}

// Retry returns a failed post to approved so it can be scheduled again.
func (s *Service) Retry(ctx context.Context, postID int64, actor string) (models.Post, error) {
	return s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		if err := Transition(ctx, tx, p, actor, models.ActionRetry, models.PostStatusApproved, p.ErrorMessage); err != nil {
			return err
		}
		p.ErrorMessage = ""
		p.ScheduledFor = nil
		p.PublishJobID = ""
		return nil
	})
}

func (s *Service) Archive(ctx context.Context, postID int64, actor, notes string) (models.Post, error) {
	return s.store.UpdatePost(ctx, postID, func(ctx context.Context, tx db.PostTx, p *models.Post) error {
		return Transition(ctx, tx, p, actor, models.ActionArchive, models.PostStatusArchived, notes)
	})
}
