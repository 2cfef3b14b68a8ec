// Package pipeline turns ingested content into reviewed posts. It owns the
// ingestion entry points, the generation job handlers and the read models
// for batch progress and publishing activity.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/generation"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/queue"
)

const (
	defaultStatsWindow = 30
	maxStatsWindow     = 365
)

type Store interface {
	CreateContentSource(ctx context.Context, rec models.IngestRecord) (models.ContentSource, models.ProcessingBatch, error)
	GetContentSource(ctx context.Context, id int64) (models.ContentSource, error)
	GetBatch(ctx context.Context, id int64) (models.ProcessingBatch, error)
	GetBatchByContentSource(ctx context.Context, contentSourceID int64) (models.ProcessingBatch, error)
	UpdateBatchProgress(ctx context.Context, batchID int64, p models.BatchProgress) error
	InsertHooks(ctx context.Context, hooks []models.Hook) ([]models.Hook, error)
	GetHooks(ctx context.Context, ids []int64) ([]models.Hook, error)
	GetHooksByBatch(ctx context.Context, batchID int64) ([]models.Hook, error)
	GetTenantProfile(ctx context.Context, tenantID int64) (models.TenantProfile, error)
	ResolveWebhook(ctx context.Context, secret string) (models.WebhookConfig, error)
	InsertPosts(ctx context.Context, posts []models.Post) ([]models.Post, error)
	GetPost(ctx context.Context, id int64) (models.Post, error)
	ListPostsByBatch(ctx context.Context, batchID int64) ([]models.Post, error)
	InsertImage(ctx context.Context, img models.Image) (models.Image, error)
	ListImages(ctx context.Context, postID int64) ([]models.Image, error)
	SelectImage(ctx context.Context, postID, imageID int64) error
	ListScheduledPosts(ctx context.Context, tenantID int64) ([]models.Post, error)
	PublishingStats(ctx context.Context, tenantID int64, since time.Time) (models.PublishingStats, error)
}

// Lifecycle is the part of the approval service the pipeline drives.
type Lifecycle interface {
	Submit(ctx context.Context, postID int64, actor string) (models.Post, error)
	Archive(ctx context.Context, postID int64, actor, notes string) (models.Post, error)
	RecordFailure(ctx context.Context, postID int64, cause string) (models.Post, error)
}

type Service struct {
	store     Store
	jobs      queue.Enqueuer
	lifecycle Lifecycle
	events    notify.Publisher
	deps      generation.Deps
	cfg       generation.Config

	// GenerateImages enqueues one generate-image job per composed post.
	GenerateImages bool
	now            func() time.Time
}

func New(store Store, jobs queue.Enqueuer, lifecycle Lifecycle, events notify.Publisher, deps generation.Deps, cfg generation.Config) *Service {
	if events == nil {
		events = notify.Discard{}
	}
	return &Service{
		store:          store,
		jobs:           jobs,
		lifecycle:      lifecycle,
		events:         events,
		deps:           deps,
		cfg:            cfg,
		GenerateImages: true,
		now:            time.Now,
	}
}

// Ingest stores rec and its batch, then queues hook extraction.
func (s *Service) Ingest(ctx context.Context, rec models.IngestRecord) (models.ProcessingBatch, error) {
	rec.Content = strings.TrimSpace(rec.Content)
	if rec.Content == "" {
		return models.ProcessingBatch{}, apperr.Validation("pipeline.Ingest", "content is empty")
	}
	if rec.TenantID <= 0 {
		return models.ProcessingBatch{}, apperr.Validation("pipeline.Ingest", "tenant is required")
	}
	if rec.ContentType == "" {
		rec.ContentType = models.ContentTypeManual
	}
	if rec.Title == "" {
		rec.Title = truncateTitle(rec.Content)
	}

	src, batch, err := s.store.CreateContentSource(ctx, rec)
	if err != nil {
		return models.ProcessingBatch{}, fmt.Errorf("ingest content: %w", err)
	}

	_, err = s.jobs.Enqueue(ctx, models.QueueGeneration, models.JobGenerateHooks,
		models.GenerateHooksPayload{ContentSourceID: src.ID, TenantID: src.TenantID}, queue.Options{})
	if err != nil {
		s.failBatch(ctx, batch, models.StepQueued, fmt.Errorf("enqueue hook extraction: %w", err))
		return models.ProcessingBatch{}, fmt.Errorf("enqueue hook extraction for batch %d: %w", batch.ID, err)
	}

	slog.Info("[Pipeline] Content ingested",
		slog.Int64("content_source_id", src.ID),
		slog.Int64("batch_id", batch.ID),
		slog.Int64("tenant_id", src.TenantID),
		slog.String("content_type", src.ContentType),
		slog.Int("words", len(strings.Fields(src.Content))))
	return batch, nil
}

// IngestWebhook resolves the tenant from the webhook secret and ingests rec
// on its behalf. ok is false when the webhook filters rejected the record.
func (s *Service) IngestWebhook(ctx context.Context, secret string, rec models.IngestRecord) (batch models.ProcessingBatch, ok bool, err error) {
	if secret == "" {
		return batch, false, apperr.Unauthorized("pipeline.IngestWebhook", "missing webhook secret", nil)
	}
	hook, err := s.store.ResolveWebhook(ctx, secret)
	if apperr.Is(err, apperr.KindNotFound) {
		return batch, false, apperr.Unauthorized("pipeline.IngestWebhook", "unknown or inactive webhook secret", err)
	}
	if err != nil {
		return batch, false, err
	}

	if rec.ContentType == "" {
		rec.ContentType = models.ContentTypeWebhook
	}
	if !hook.Accepts(rec) {
		slog.Info("[Pipeline] Webhook record filtered out",
			slog.Int64("webhook_id", hook.ID),
			slog.Int64("tenant_id", hook.TenantID),
			slog.String("content_type", rec.ContentType))
		return batch, false, nil
	}

	rec.TenantID = hook.TenantID
	meta := maps.Clone(rec.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["webhook_id"] = hook.ID
	meta["source_type"] = hook.SourceType
	rec.Metadata = meta

	batch, err = s.Ingest(ctx, rec)
	if err != nil {
		return batch, false, err
	}
	return batch, true, nil
}

func (s *Service) GetProcessingStatus(ctx context.Context, batchID int64) (models.ProcessingStatus, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return models.ProcessingStatus{}, err
	}
	return batch.ToStatus(), nil
}

// GetScheduledPosts lists the tenant's posts awaiting publication, soonest
// first.
func (s *Service) GetScheduledPosts(ctx context.Context, tenantID int64) ([]models.Post, error) {
	posts, err := s.store.ListScheduledPosts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i].ScheduledFor, posts[j].ScheduledFor
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return posts, nil
}

// GetPublishingStats summarizes the last windowDays of publishing activity.
// Out of range windows fall back to 30 days.
func (s *Service) GetPublishingStats(ctx context.Context, tenantID int64, windowDays int) (models.PublishingStats, error) {
	if windowDays <= 0 || windowDays > maxStatsWindow {
		windowDays = defaultStatsWindow
	}
	since := s.now().UTC().AddDate(0, 0, -windowDays)
	stats, err := s.store.PublishingStats(ctx, tenantID, since)
	if err != nil {
		return models.PublishingStats{}, err
	}
	stats.TenantID = tenantID
	stats.WindowDays = windowDays
	return stats, nil
}

// profile returns the tenant's brand context. Tenants without one get an
// empty profile.
func (s *Service) profile(ctx context.Context, tenantID int64) (models.TenantProfile, error) {
	p, err := s.store.GetTenantProfile(ctx, tenantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return models.TenantProfile{TenantID: tenantID}, nil
	}
	return p, err
}

func truncateTitle(content string) string {
	words := strings.Fields(content)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}
