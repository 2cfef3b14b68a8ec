package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/publishing"
	"github.com/spacesedan/hookflow/internal/queue"
)

// Registrar is the worker side of the dispatcher.
type Registrar interface {
	Define(queue, jobType string, p queue.Policy)
	Register(queue, jobType string, h queue.Handler, cfg queue.WorkerConfig)
}

type JobSpec struct {
	Queue       string
	Type        string
	Concurrency int
	Timeout     time.Duration
	Policy      queue.Policy
}

// DefaultJobs is the worker table for every job type the pipeline runs.
var DefaultJobs = []JobSpec{
	{models.QueueGeneration, models.JobGenerateHooks, 5, 3 * time.Minute, queue.Policy{MaxAttempts: 3, Backoff: queue.Exponential(2 * time.Second)}},
	{models.QueueGeneration, models.JobGeneratePosts, 3, 5 * time.Minute, queue.Policy{MaxAttempts: 3, Backoff: queue.Exponential(2 * time.Second)}},
	{models.QueueGeneration, models.JobGenerateImage, 2, 3 * time.Minute, queue.Policy{MaxAttempts: 2, Backoff: queue.Fixed(10 * time.Second)}},
	{models.QueuePublishing, models.JobPublishPost, 3, time.Minute, queue.Policy{MaxAttempts: 3, Backoff: queue.Exponential(30 * time.Second)}},
	{models.QueueAnalytics, models.JobCollectAnalytics, 2, time.Minute, queue.Policy{MaxAttempts: 5, Backoff: queue.Exponential(time.Minute)}},
}

// JobsFor applies the configured concurrency overrides to DefaultJobs.
func JobsFor(wc config.WorkerConfig) []JobSpec {
	overrides := map[string]int{
		models.JobGenerateHooks:    wc.HookConcurrency,
		models.JobGeneratePosts:    wc.PostConcurrency,
		models.JobGenerateImage:    wc.ImageConcurrency,
		models.JobPublishPost:      wc.PublishConcurrency,
		models.JobCollectAnalytics: wc.AnalyticsWorkers,
	}
	jobs := make([]JobSpec, len(DefaultJobs))
	for i, j := range DefaultJobs {
		if n := overrides[j.Type]; n > 0 {
			j.Concurrency = n
		}
		jobs[i] = j
	}
	return jobs
}

// RegisterWorkers defines every job policy and registers its handler.
// Generation workers stop claiming jobs while paused is set.
func RegisterWorkers(r Registrar, jobs []JobSpec, svc *Service, exec *publishing.Executor, paused *atomic.Bool) {
	for _, j := range jobs {
		r.Define(j.Queue, j.Type, j.Policy)

		wc := queue.WorkerConfig{Concurrency: j.Concurrency, Timeout: j.Timeout}
		var h queue.Handler
		switch j.Type {
		case models.JobGenerateHooks:
			h, wc.OnFailed, wc.Paused = svc.HandleGenerateHooks, svc.OnBatchJobFailed, paused
		case models.JobGeneratePosts:
			h, wc.OnFailed, wc.Paused = svc.HandleGeneratePosts, svc.OnBatchJobFailed, paused
		case models.JobGenerateImage:
			h, wc.OnFailed, wc.Paused = svc.HandleGenerateImage, svc.OnImageJobFailed, paused
		case models.JobPublishPost:
			h, wc.OnFailed = publishHandler(exec), publishFailed(exec)
		case models.JobCollectAnalytics:
			h, wc.OnFailed = analyticsHandler(exec), analyticsFailed(exec)
		default:
			slog.Warn("[Workers] No handler for job type", slog.String("type", j.Type))
			continue
		}
		r.Register(j.Queue, j.Type, h, wc)
		slog.Info("[Workers] Registered",
			slog.String("queue", j.Queue),
			slog.String("type", j.Type),
			slog.Int("concurrency", j.Concurrency))
	}
}

func publishHandler(exec *publishing.Executor) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p models.PublishPostPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		_, err := exec.Publish(ctx, p)
		return err
	}
}

// publishFailed finalizes a post whose retryable failures ran out of
// attempts. Terminal failures were already recorded by Publish.
func publishFailed(exec *publishing.Executor) func(context.Context, queue.Job, error) {
	return func(ctx context.Context, job queue.Job, cause error) {
		var p models.PublishPostPayload
		if err := job.Decode(&p); err != nil {
			slog.Error("[Workers] Cannot decode failed publish job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			return
		}
		if err := exec.MarkFailed(ctx, p, cause); err != nil {
			slog.Error("[Workers] Failed to mark post publish_failed",
				slog.Int64("post_id", p.PostID),
				slog.String("error", err.Error()))
		}
	}
}

func analyticsHandler(exec *publishing.Executor) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p models.CollectAnalyticsPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		_, err := exec.CollectAnalytics(ctx, p)
		return err
	}
}

func analyticsFailed(exec *publishing.Executor) func(context.Context, queue.Job, error) {
	return func(ctx context.Context, job queue.Job, cause error) {
		var p models.CollectAnalyticsPayload
		if err := job.Decode(&p); err != nil {
			slog.Error("[Workers] Cannot decode failed analytics job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			return
		}
		if err := exec.MarkAnalyticsFailed(ctx, p, cause); err != nil {
			slog.Error("[Workers] Failed to record analytics failure",
				slog.Int64("post_id", p.PostID),
				slog.String("error", err.Error()))
		}
	}
}
