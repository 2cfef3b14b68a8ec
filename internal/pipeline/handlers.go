package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/approval"
	"github.com/spacesedan/hookflow/internal/generation"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/queue"
)

// HandleGenerateHooks extracts hooks for one content source and queues post
// composition. A redelivered job reuses hooks already stored for the batch.
func (s *Service) HandleGenerateHooks(ctx context.Context, job queue.Job) error {
	var p models.GenerateHooksPayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	src, err := s.store.GetContentSource(ctx, p.ContentSourceID)
	if err != nil {
		return err
	}
	batch, err := s.store.GetBatchByContentSource(ctx, src.ID)
	if err != nil {
		return err
	}
	if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusFailed {
		slog.Info("[Pipeline] Batch already finished, skipping hook extraction",
			slog.Int64("batch_id", batch.ID),
			slog.String("status", string(batch.Status)))
		return nil
	}

	hooks, err := s.store.GetHooksByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		if err := s.store.UpdateBatchProgress(ctx, batch.ID, models.BatchProgress{
			Status: models.BatchStatusProcessing,
			Step:   models.StepExtractHooks,
		}); err != nil {
			return err
		}

		profile, err := s.profile(ctx, src.TenantID)
		if err != nil {
			return err
		}
		extracted, err := generation.ExtractHooks(ctx, s.deps, s.cfg, src, profile)
		if err != nil {
			return err
		}
		for i := range extracted {
			extracted[i].BatchID = batch.ID
			extracted[i].TenantID = src.TenantID
		}
		if hooks, err = s.store.InsertHooks(ctx, extracted); err != nil {
			return err
		}
	}

	ids := make([]int64, len(hooks))
	for i, h := range hooks {
		ids[i] = h.ID
	}
	count := len(hooks)
	if err := s.store.UpdateBatchProgress(ctx, batch.ID, models.BatchProgress{
		Status:         models.BatchStatusProcessing,
		Step:           models.StepComposePosts,
		Detail:         map[string]any{"hook_ids": ids},
		HooksGenerated: &count,
	}); err != nil {
		return err
	}

	_, err = s.jobs.Enqueue(ctx, models.QueueGeneration, models.JobGeneratePosts, models.GeneratePostsPayload{
		HookIDs:         ids,
		TenantID:        src.TenantID,
		ContentSourceID: src.ID,
		BatchID:         batch.ID,
	}, queue.Options{})
	if err != nil {
		return fmt.Errorf("enqueue post composition for batch %d: %w", batch.ID, err)
	}

	slog.Info("[Pipeline] Hooks extracted",
		slog.Int64("batch_id", batch.ID),
		slog.Int("hooks", count))
	return nil
}

// HandleGeneratePosts composes drafts for the payload hooks, submits them
// for approval and completes the batch. With RegenerateOf set it replaces a
// rejected post instead, on that post's platform.
func (s *Service) HandleGeneratePosts(ctx context.Context, job queue.Job) error {
	var p models.GeneratePostsPayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	var batch models.ProcessingBatch
	if p.BatchID != 0 && p.RegenerateOf == 0 {
		var err error
		if batch, err = s.store.GetBatch(ctx, p.BatchID); err != nil {
			return err
		}
		if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusFailed {
			slog.Info("[Pipeline] Batch already finished, skipping post composition",
				slog.Int64("batch_id", batch.ID),
				slog.String("status", string(batch.Status)))
			return nil
		}
	}

	posts, err := s.composeOrReuse(ctx, p)
	if err != nil {
		return err
	}

	for _, post := range posts {
		if post.Status == models.PostStatusDraft {
			if _, err := s.lifecycle.Submit(ctx, post.ID, approval.SystemActor); err != nil {
				slog.Warn("[Pipeline] Failed to submit post for approval",
					slog.Int64("post_id", post.ID),
					slog.String("error", err.Error()))
			}
		}
		if s.GenerateImages {
			_, err := s.jobs.Enqueue(ctx, models.QueueGeneration, models.JobGenerateImage,
				models.GenerateImagePayload{PostID: post.ID, TenantID: post.TenantID}, queue.Options{})
			if err != nil {
				slog.Warn("[Pipeline] Failed to queue image generation",
					slog.Int64("post_id", post.ID),
					slog.String("error", err.Error()))
			}
		}
	}

	if p.RegenerateOf != 0 {
		s.retireRegenerated(ctx, p.RegenerateOf, posts)
		return nil
	}
	if batch.ID == 0 {
		return nil
	}

	if err := s.store.UpdateBatchProgress(ctx, batch.ID, models.BatchProgress{
		Status: models.BatchStatusCompleted,
		Step:   models.StepDone,
		Detail: map[string]any{"posts": len(posts)},
	}); err != nil {
		return err
	}
	slog.Info("[Pipeline] Batch completed",
		slog.Int64("batch_id", batch.ID),
		slog.Int("posts", len(posts)))
	s.events.Publish(notify.Event{
		Type:     notify.EventBatchCompleted,
		TenantID: batch.TenantID,
		BatchID:  batch.ID,
		Actor:    approval.SystemActor,
		Status:   string(models.BatchStatusCompleted),
		Data:     map[string]any{"posts": len(posts), "hooks": len(p.HookIDs)},
		At:       s.now(),
	})
	return nil
}

func (s *Service) composeOrReuse(ctx context.Context, p models.GeneratePostsPayload) ([]models.Post, error) {
	if p.BatchID != 0 && p.RegenerateOf == 0 {
		existing, err := s.store.ListPostsByBatch(ctx, p.BatchID)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			slog.Info("[Pipeline] Reusing posts from an earlier attempt",
				slog.Int64("batch_id", p.BatchID),
				slog.Int("posts", len(existing)))
			return existing, nil
		}
	}

	hooks, err := s.store.GetHooks(ctx, p.HookIDs)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, apperr.Validation("pipeline.GeneratePosts", "none of hooks %v exist", p.HookIDs)
	}
	profile, err := s.profile(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg
	contentSourceID := p.ContentSourceID
	if p.RegenerateOf != 0 {
		original, err := s.store.GetPost(ctx, p.RegenerateOf)
		if err != nil {
			return nil, err
		}
		cfg.Platforms = []string{original.Platform}
		contentSourceID = original.ContentSourceID
	}

	drafts, err := generation.ComposePosts(ctx, s.deps, cfg, hooks, profile)
	if err != nil {
		return nil, err
	}
	for i := range drafts {
		drafts[i].TenantID = p.TenantID
		drafts[i].ContentSourceID = contentSourceID
		if drafts[i].BatchID == 0 {
			drafts[i].BatchID = p.BatchID
		}
	}
	return s.store.InsertPosts(ctx, drafts)
}

// retireRegenerated archives the rejected post once its replacement exists.
func (s *Service) retireRegenerated(ctx context.Context, originalID int64, replacements []models.Post) {
	note := "regenerated"
	if len(replacements) > 0 {
		note = fmt.Sprintf("regenerated as post %d", replacements[0].ID)
	}
	if _, err := s.lifecycle.Archive(ctx, originalID, approval.SystemActor, note); err != nil {
		slog.Warn("[Pipeline] Failed to archive regenerated post",
			slog.Int64("post_id", originalID),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("[Pipeline] Post regenerated",
		slog.Int64("post_id", originalID),
		slog.Int("replacements", len(replacements)))
}

// HandleGenerateImage renders an image for a post. The first image a post
// gets is selected so approvers always have a default.
func (s *Service) HandleGenerateImage(ctx context.Context, job queue.Job) error {
	var p models.GenerateImagePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	post, err := s.store.GetPost(ctx, p.PostID)
	if err != nil {
		return err
	}
	switch post.Status {
	case models.PostStatusArchived, models.PostStatusRejected, models.PostStatusPublished:
		slog.Info("[Pipeline] Post no longer needs an image, skipping",
			slog.Int64("post_id", post.ID),
			slog.String("status", string(post.Status)))
		return nil
	}

	profile, err := s.profile(ctx, post.TenantID)
	if err != nil {
		return err
	}
	img, err := generation.ComposeImage(ctx, s.deps, s.cfg, post, profile, p.Model)
	if err != nil {
		return err
	}
	img, err = s.store.InsertImage(ctx, img)
	if err != nil {
		return err
	}

	images, err := s.store.ListImages(ctx, post.ID)
	if err != nil {
		return err
	}
	for _, existing := range images {
		if existing.Selected {
			return nil
		}
	}
	return s.store.SelectImage(ctx, post.ID, img.ID)
}

// OnBatchJobFailed records the final failure of a hook or post job on its
// batch.
func (s *Service) OnBatchJobFailed(ctx context.Context, job queue.Job, cause error) {
	var batchID int64
	switch job.Type {
	case models.JobGenerateHooks:
		var p models.GenerateHooksPayload
		if err := job.Decode(&p); err != nil {
			slog.Error("[Pipeline] Cannot decode failed job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			return
		}
		batch, err := s.store.GetBatchByContentSource(ctx, p.ContentSourceID)
		if err != nil {
			slog.Error("[Pipeline] Batch for failed job not found",
				slog.Int64("content_source_id", p.ContentSourceID),
				slog.String("error", err.Error()))
			return
		}
		batchID = batch.ID
	case models.JobGeneratePosts:
		var p models.GeneratePostsPayload
		if err := job.Decode(&p); err != nil {
			slog.Error("[Pipeline] Cannot decode failed job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			return
		}
		if p.RegenerateOf != 0 {
			s.recordPostFailure(ctx, p.RegenerateOf, "regeneration failed: "+cause.Error())
			return
		}
		batchID = p.BatchID
	default:
		return
	}
	if batchID == 0 {
		return
	}

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		slog.Error("[Pipeline] Batch for failed job not found",
			slog.Int64("batch_id", batchID),
			slog.String("error", err.Error()))
		return
	}
	s.failBatch(ctx, batch, batch.CurrentStep, cause)
}

// OnImageJobFailed records an exhausted image job on its post.
func (s *Service) OnImageJobFailed(ctx context.Context, job queue.Job, cause error) {
	var p models.GenerateImagePayload
	if err := job.Decode(&p); err != nil {
		slog.Error("[Pipeline] Cannot decode failed job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	s.recordPostFailure(ctx, p.PostID, "image generation failed: "+cause.Error())
}

func (s *Service) recordPostFailure(ctx context.Context, postID int64, msg string) {
	if _, err := s.lifecycle.RecordFailure(ctx, postID, msg); err != nil {
		slog.Error("[Pipeline] Failed to record post failure",
			slog.Int64("post_id", postID),
			slog.String("cause", msg),
			slog.String("error", err.Error()))
	}
}

func (s *Service) failBatch(ctx context.Context, batch models.ProcessingBatch, step int, cause error) {
	msg := cause.Error()
	if err := s.store.UpdateBatchProgress(ctx, batch.ID, models.BatchProgress{
		Status:       models.BatchStatusFailed,
		Step:         step,
		ErrorMessage: msg,
	}); err != nil {
		slog.Error("[Pipeline] Failed to record batch failure",
			slog.Int64("batch_id", batch.ID),
			slog.String("error", err.Error()))
	}
	slog.Warn("[Pipeline] Batch failed",
		slog.Int64("batch_id", batch.ID),
		slog.String("step", models.StepName(step)),
		slog.String("error", msg))
	s.events.Publish(notify.Event{
		Type:     notify.EventBatchFailed,
		TenantID: batch.TenantID,
		BatchID:  batch.ID,
		Actor:    approval.SystemActor,
		Status:   string(models.BatchStatusFailed),
		Message:  msg,
		At:       s.now(),
	})
}
