package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/models"
)

// CreateContentSource stores the source and its batch in one transaction.
func (s *Store) CreateContentSource(ctx context.Context, rec models.IngestRecord) (models.ContentSource, models.ProcessingBatch, error) {
	var (
		src   models.ContentSource
		batch models.ProcessingBatch
	)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO content_sources (tenant_id, title, content, content_type, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, tenant_id, title, content, content_type, metadata, created_at`,
			rec.TenantID, rec.Title, rec.Content, rec.ContentType, rec.Metadata,
		).Scan(&src.ID, &src.TenantID, &src.Title, &src.Content, &src.ContentType, &src.Metadata, &src.CreatedAt)
		if err != nil {
			return mapError("db.CreateContentSource", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO processing_batches (content_source_id, tenant_id)
			VALUES ($1, $2)
			RETURNING `+batchColumns,
			src.ID, src.TenantID)
		batch, err = scanBatch(row)
		return mapError("db.CreateBatch", err)
	})
	return src, batch, err
}

func (s *Store) GetContentSource(ctx context.Context, id int64) (models.ContentSource, error) {
	var src models.ContentSource
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, content, content_type, metadata, created_at
		FROM content_sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.TenantID, &src.Title, &src.Content, &src.ContentType, &src.Metadata, &src.CreatedAt)
	if err != nil {
		return src, notFound("db.GetContentSource", "content source", id, err)
	}
	return src, nil
}

const batchColumns = `id, content_source_id, tenant_id, status, current_step, step_detail,
	hooks_generated, error_message, started_at, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (models.ProcessingBatch, error) {
	var b models.ProcessingBatch
	err := row.Scan(&b.ID, &b.ContentSourceID, &b.TenantID, &b.Status, &b.CurrentStep, &b.StepDetail,
		&b.HooksGenerated, &b.ErrorMessage, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (s *Store) GetBatch(ctx context.Context, id int64) (models.ProcessingBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM processing_batches WHERE id = $1`, id))
	if err != nil {
		return b, notFound("db.GetBatch", "batch", id, err)
	}
	return b, nil
}

func (s *Store) GetBatchByContentSource(ctx context.Context, contentSourceID int64) (models.ProcessingBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM processing_batches WHERE content_source_id = $1`, contentSourceID))
	if err != nil {
		return b, notFound("db.GetBatchByContentSource", "batch for content source", contentSourceID, err)
	}
	return b, nil
}

// UpdateBatchProgress records a stage transition. started_at is stamped the
// first time the batch leaves pending and completed_at on either terminal
// status.
func (s *Store) UpdateBatchProgress(ctx context.Context, batchID int64, p models.BatchProgress) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if p.Status == models.BatchStatusCompleted || p.Status == models.BatchStatusFailed {
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_batches SET
			status          = $2,
			current_step    = $3,
			step_name       = $4,
			step_detail     = COALESCE($5, step_detail),
			hooks_generated = COALESCE($6, hooks_generated),
			error_message   = $7,
			started_at      = COALESCE(started_at, CASE WHEN $2 <> 'pending' THEN $8::timestamptz END),
			completed_at    = COALESCE($9, completed_at),
			updated_at      = $8
		WHERE id = $1`,
		batchID, string(p.Status), p.Step, models.StepName(p.Step), p.Detail, p.HooksGenerated,
		p.ErrorMessage, now, completedAt)
	if err != nil {
		return mapError("db.UpdateBatchProgress", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("db.UpdateBatchProgress", "batch", batchID)
	}
	return nil
}

const hookColumns = `id, batch_id, tenant_id, text, hook_type, content_pillar, source_quote, renderings,
	relevance_score, engagement_score, priority, created_at`

func scanHook(row pgx.Row) (models.Hook, error) {
	var h models.Hook
	err := row.Scan(&h.ID, &h.BatchID, &h.TenantID, &h.Text, &h.HookType, &h.ContentPillar, &h.SourceQuote,
		&h.Renderings, &h.RelevanceScore, &h.EngagementScore, &h.Priority, &h.CreatedAt)
	return h, err
}

// InsertHooks stores hooks in one batch round trip and returns them with ids.
func (s *Store) InsertHooks(ctx context.Context, hooks []models.Hook) ([]models.Hook, error) {
	if len(hooks) == 0 {
		return nil, nil
	}

	out := make([]models.Hook, 0, len(hooks))
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, h := range hooks {
			batch.Queue(`
				INSERT INTO hooks (batch_id, tenant_id, text, hook_type, content_pillar, source_quote,
					renderings, relevance_score, engagement_score, priority)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING `+hookColumns,
				h.BatchID, h.TenantID, h.Text, h.HookType, h.ContentPillar, h.SourceQuote,
				h.Renderings, h.RelevanceScore, h.EngagementScore, h.Priority)
		}

		results := tx.SendBatch(ctx, batch)
		for range hooks {
			h, err := scanHook(results.QueryRow())
			if err != nil {
				results.Close()
				return mapError("db.InsertHooks", err)
			}
			out = append(out, h)
		}
		return mapError("db.InsertHooks", results.Close())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetHooks returns the hooks with the given ids ordered by priority.
func (s *Store) GetHooks(ctx context.Context, ids []int64) ([]models.Hook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hookColumns+` FROM hooks WHERE id = ANY($1) ORDER BY priority DESC, id`, ids)
	if err != nil {
		return nil, mapError("db.GetHooks", err)
	}
	hooks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Hook, error) {
		return scanHook(row)
	})
	return hooks, mapError("db.GetHooks", err)
}

func (s *Store) GetHooksByBatch(ctx context.Context, batchID int64) ([]models.Hook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hookColumns+` FROM hooks WHERE batch_id = $1 ORDER BY priority DESC, id`, batchID)
	if err != nil {
		return nil, mapError("db.GetHooksByBatch", err)
	}
	hooks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Hook, error) {
		return scanHook(row)
	})
	return hooks, mapError("db.GetHooksByBatch", err)
}

func (s *Store) GetTenantProfile(ctx context.Context, tenantID int64) (models.TenantProfile, error) {
	var p models.TenantProfile
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, brand_name, keywords, pillars, prohibited_terms, tone, timezone, default_platforms
		FROM tenant_profiles WHERE tenant_id = $1`, tenantID,
	).Scan(&p.TenantID, &p.BrandName, &p.Keywords, &p.Pillars, &p.ProhibitedTerms, &p.Tone, &p.Timezone, &p.DefaultPlatforms)
	if err != nil {
		return p, notFound("db.GetTenantProfile", "tenant profile", tenantID, err)
	}
	return p, nil
}

func (s *Store) UpsertTenantProfile(ctx context.Context, p models.TenantProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_profiles (tenant_id, brand_name, keywords, pillars, prohibited_terms, tone, timezone, default_platforms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id) DO UPDATE SET
			brand_name = EXCLUDED.brand_name,
			keywords = EXCLUDED.keywords,
			pillars = EXCLUDED.pillars,
			prohibited_terms = EXCLUDED.prohibited_terms,
			tone = EXCLUDED.tone,
			timezone = EXCLUDED.timezone,
			default_platforms = EXCLUDED.default_platforms`,
		p.TenantID, p.BrandName, nonNil(p.Keywords), nonNil(p.Pillars), nonNil(p.ProhibitedTerms),
		p.Tone, p.Timezone, nonNil(p.DefaultPlatforms))
	return mapError("db.UpsertTenantProfile", err)
}

const webhookColumns = `id, tenant_id, source_type, secret, filters, active, created_at, updated_at`

func scanWebhook(row pgx.Row) (models.WebhookConfig, error) {
	var w models.WebhookConfig
	var filters *models.WebhookFilters
	err := row.Scan(&w.ID, &w.TenantID, &w.SourceType, &w.Secret, &filters, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if filters != nil {
		w.Filters = *filters
	}
	return w, err
}

// ResolveWebhook finds the active webhook owning secret.
func (s *Store) ResolveWebhook(ctx context.Context, secret string) (models.WebhookConfig, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_configs WHERE secret = $1 AND active`, secret))
	if err != nil {
		return w, notFound("db.ResolveWebhook", "webhook", "for secret", err)
	}
	return w, nil
}

func (s *Store) CreateWebhook(ctx context.Context, w models.WebhookConfig) (models.WebhookConfig, error) {
	out, err := scanWebhook(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_configs (tenant_id, source_type, secret, filters, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+webhookColumns,
		w.TenantID, w.SourceType, w.Secret, w.Filters, w.Active))
	return out, mapError("db.CreateWebhook", err)
}

func (s *Store) SetWebhookActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_configs SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return mapError("db.SetWebhookActive", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("db.SetWebhookActive", "webhook", id)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
