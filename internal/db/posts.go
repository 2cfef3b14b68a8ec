package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/models"
)

// ErrSkipUpdate may be returned by an UpdateFunc to roll back without error
// semantics. UpdatePost then returns the unmodified post along with it.
var ErrSkipUpdate = errors.New("skip update")

// PostTx exposes the writes that must commit together with a post update.
type PostTx interface {
	AppendApproval(ctx context.Context, rec models.ApprovalRecord) error
	AppendHistory(ctx context.Context, h models.PublishingHistory) error
	SelectImage(ctx context.Context, postID, imageID int64) error
}

// UpdateFunc mutates post in place while its row is locked.
type UpdateFunc func(ctx context.Context, tx PostTx, post *models.Post) error

const postColumns = `id, hook_id, batch_id, content_source_id, tenant_id, platform, content_type, content,
	COALESCE(hashtags, '{}'), character_count, performance_score, brand_alignment_score, status,
	scheduled_for, published_at, COALESCE(publish_job_id, ''), COALESCE(remote_id, ''),
	COALESCE(remote_url, ''), COALESCE(error_message, ''), metrics, created_at, updated_at`

func scanPost(row pgx.Row) (models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.HookID, &p.BatchID, &p.ContentSourceID, &p.TenantID, &p.Platform, &p.ContentType,
		&p.Content, &p.Hashtags, &p.CharacterCount, &p.PerformanceScore, &p.BrandAlignmentScore, &p.Status,
		&p.ScheduledFor, &p.PublishedAt, &p.PublishJobID, &p.RemoteID, &p.RemoteURL, &p.ErrorMessage,
		&p.Metrics, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collectPosts(op string, rows pgx.Rows, err error) ([]models.Post, error) {
	if err != nil {
		return nil, mapError(op, err)
	}
	posts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Post, error) {
		return scanPost(row)
	})
	return posts, mapError(op, err)
}

func (s *Store) InsertPosts(ctx context.Context, posts []models.Post) ([]models.Post, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	out := make([]models.Post, 0, len(posts))
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range posts {
			status := p.Status
			if status == "" {
				status = models.PostStatusDraft
			}
			batch.Queue(`
				INSERT INTO posts (hook_id, batch_id, content_source_id, tenant_id, platform, content_type,
					content, hashtags, character_count, performance_score, brand_alignment_score, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				RETURNING `+postColumns,
				p.HookID, p.BatchID, p.ContentSourceID, p.TenantID, p.Platform, p.ContentType,
				p.Content, nonNil(p.Hashtags), p.CharacterCount, p.PerformanceScore, p.BrandAlignmentScore,
				string(status))
		}

		results := tx.SendBatch(ctx, batch)
		for range posts {
			p, err := scanPost(results.QueryRow())
			if err != nil {
				results.Close()
				return mapError("db.InsertPosts", err)
			}
			out = append(out, p)
		}
		return mapError("db.InsertPosts", results.Close())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (models.Post, error) {
	p, err := scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return p, notFound("db.GetPost", "post", id, err)
	}
	return p, nil
}

// UpdatePost locks the post row, hands it to fn and persists the mutable
// columns fn may have changed, all in one transaction.
func (s *Store) UpdatePost(ctx context.Context, id int64, fn UpdateFunc) (models.Post, error) {
	var (
		original models.Post
		updated  models.Post
	)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPost(tx.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound("db.UpdatePost", "post", id, err)
		}
		original = p

		if err := fn(ctx, pgPostTx{tx: tx}, &p); err != nil {
			return err
		}

		p.CountCharacters()
		updated, err = scanPost(tx.QueryRow(ctx, `
			UPDATE posts SET
				content        = $2,
				hashtags       = $3,
				character_count = $4,
				status         = $5,
				scheduled_for  = $6,
				published_at   = $7,
				publish_job_id = NULLIF($8, ''),
				remote_id      = NULLIF($9, ''),
				remote_url     = NULLIF($10, ''),
				error_message  = NULLIF($11, ''),
				updated_at     = NOW()
			WHERE id = $1
			RETURNING `+postColumns,
			p.ID, p.Content, nonNil(p.Hashtags), p.CharacterCount, string(p.Status), p.ScheduledFor,
			p.PublishedAt, p.PublishJobID, p.RemoteID, p.RemoteURL, p.ErrorMessage))
		return mapError("db.UpdatePost", err)
	})
	if errors.Is(err, ErrSkipUpdate) {
		return original, err
	}
	if err != nil {
		return models.Post{}, err
	}
	return updated, nil
}

type pgPostTx struct {
	tx pgx.Tx
}

func (t pgPostTx) AppendApproval(ctx context.Context, rec models.ApprovalRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO approval_records (post_id, tenant_id, actor, action, notes, from_status, to_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.PostID, rec.TenantID, rec.Actor, string(rec.Action), rec.Notes, string(rec.FromStatus), string(rec.ToStatus))
	return mapError("db.AppendApproval", err)
}

func (t pgPostTx) AppendHistory(ctx context.Context, h models.PublishingHistory) error {
	return appendHistory(ctx, t.tx, h)
}

func (t pgPostTx) SelectImage(ctx context.Context, postID, imageID int64) error {
	return selectImage(ctx, t.tx, postID, imageID)
}

func appendHistory(ctx context.Context, tx pgx.Tx, h models.PublishingHistory) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO publishing_history (post_id, tenant_id, event, remote_id, remote_url, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.PostID, h.TenantID, string(h.Event), h.RemoteID, h.RemoteURL, h.Metadata)
	return mapError("db.AppendHistory", err)
}

// selectImage clears the previous selection before setting the new one so
// the partial unique index never sees two selected rows.
func selectImage(ctx context.Context, tx pgx.Tx, postID, imageID int64) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM images WHERE id = $1 AND post_id = $2 FOR UPDATE`, imageID, postID).Scan(&status)
	if err != nil {
		return notFound("db.SelectImage", "image", imageID, err)
	}
	if s := models.ImageStatus(status); s == models.ImageStatusRejected || s == models.ImageStatusArchived {
		return apperr.Validation("db.SelectImage", "image %d is %s", imageID, s)
	}

	if _, err := tx.Exec(ctx, `UPDATE images SET selected = FALSE WHERE post_id = $1 AND selected`, postID); err != nil {
		return mapError("db.SelectImage", err)
	}
	_, err = tx.Exec(ctx, `UPDATE images SET selected = TRUE WHERE id = $1`, imageID)
	return mapError("db.SelectImage", err)
}

func (s *Store) SelectImage(ctx context.Context, postID, imageID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return selectImage(ctx, tx, postID, imageID)
	})
}

const imageColumns = `id, post_id, tenant_id, model, prompt, url, size, quality_score, brand_alignment_score,
	selected, status, created_at`

func scanImage(row pgx.Row) (models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.PostID, &img.TenantID, &img.Model, &img.Prompt, &img.URL, &img.Size,
		&img.QualityScore, &img.BrandAlignmentScore, &img.Selected, &img.Status, &img.CreatedAt)
	return img, err
}

func (s *Store) InsertImage(ctx context.Context, img models.Image) (models.Image, error) {
	status := img.Status
	if status == "" {
		status = models.ImageStatusGenerated
	}
	out, err := scanImage(s.pool.QueryRow(ctx, `
		INSERT INTO images (post_id, tenant_id, model, prompt, url, size, quality_score, brand_alignment_score, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+imageColumns,
		img.PostID, img.TenantID, img.Model, img.Prompt, img.URL, img.Size, img.QualityScore,
		img.BrandAlignmentScore, string(status)))
	return out, mapError("db.InsertImage", err)
}

func (s *Store) ListImages(ctx context.Context, postID int64) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+imageColumns+` FROM images WHERE post_id = $1 ORDER BY id`, postID)
	if err != nil {
		return nil, mapError("db.ListImages", err)
	}
	images, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Image, error) {
		return scanImage(row)
	})
	return images, mapError("db.ListImages", err)
}

func (s *Store) ListScheduledPosts(ctx context.Context, tenantID int64) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE tenant_id = $1 AND status IN ('scheduled', 'approved_auto_publish')
		ORDER BY scheduled_for NULLS LAST, id`, tenantID)
	return collectPosts("db.ListScheduledPosts", rows, err)
}

func (s *Store) ListPostsByBatch(ctx context.Context, batchID int64) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE batch_id = $1 ORDER BY id`, batchID)
	return collectPosts("db.ListPostsByBatch", rows, err)
}

func (s *Store) ListApprovalHistory(ctx context.Context, postID int64) ([]models.ApprovalRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, tenant_id, actor, action, notes, from_status, to_status, created_at
		FROM approval_records WHERE post_id = $1 ORDER BY id`, postID)
	if err != nil {
		return nil, mapError("db.ListApprovalHistory", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ApprovalRecord, error) {
		var r models.ApprovalRecord
		err := row.Scan(&r.ID, &r.PostID, &r.TenantID, &r.Actor, &r.Action, &r.Notes, &r.FromStatus, &r.ToStatus, &r.CreatedAt)
		return r, err
	})
	return recs, mapError("db.ListApprovalHistory", err)
}

func (s *Store) ListPublishingHistory(ctx context.Context, postID int64) ([]models.PublishingHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, tenant_id, event, remote_id, remote_url, metadata, created_at
		FROM publishing_history WHERE post_id = $1 ORDER BY id`, postID)
	if err != nil {
		return nil, mapError("db.ListPublishingHistory", err)
	}
	hist, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PublishingHistory, error) {
		var h models.PublishingHistory
		err := row.Scan(&h.ID, &h.PostID, &h.TenantID, &h.Event, &h.RemoteID, &h.RemoteURL, &h.Metadata, &h.CreatedAt)
		return h, err
	})
	return hist, mapError("db.ListPublishingHistory", err)
}

// UpdatePostMetrics stores collected engagement and the normalized score.
func (s *Store) UpdatePostMetrics(ctx context.Context, postID int64, score float64, metrics map[string]int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET performance_score = $2, metrics = $3, analytics_collected_at = NOW(), updated_at = NOW()
		WHERE id = $1`, postID, score, metrics)
	if err != nil {
		return mapError("db.UpdatePostMetrics", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("db.UpdatePostMetrics", "post", postID)
	}
	return nil
}

// PerformanceHistory aggregates analysed posts by tenant-local weekday and
// hour.
func (s *Store) PerformanceHistory(ctx context.Context, tenantID int64, since time.Time, timezone string) ([]models.PerformanceBucket, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(DOW FROM published_at AT TIME ZONE $3)::int,
		       EXTRACT(HOUR FROM published_at AT TIME ZONE $3)::int,
		       COUNT(*)::int,
		       AVG(performance_score)::float8
		FROM posts
		WHERE tenant_id = $1
		  AND published_at >= $2
		  AND analytics_collected_at IS NOT NULL
		GROUP BY 1, 2`, tenantID, since, timezone)
	if err != nil {
		return nil, mapError("db.PerformanceHistory", err)
	}
	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PerformanceBucket, error) {
		var (
			b   models.PerformanceBucket
			dow int
		)
		err := row.Scan(&dow, &b.Hour, &b.Samples, &b.AvgScore)
		b.Weekday = time.Weekday(dow)
		return b, err
	})
	return buckets, mapError("db.PerformanceHistory", err)
}

func (s *Store) PublishingStats(ctx context.Context, tenantID int64, since time.Time) (models.PublishingStats, error) {
	stats := models.PublishingStats{TenantID: tenantID}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event = 'published')::int,
			COUNT(*) FILTER (WHERE event = 'failed')::int,
			COUNT(*) FILTER (WHERE event = 'scheduled')::int,
			COUNT(*) FILTER (WHERE event = 'cancelled')::int
		FROM publishing_history
		WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since,
	).Scan(&stats.Published, &stats.Failed, &stats.Scheduled, &stats.Cancelled)
	if err != nil {
		return stats, mapError("db.PublishingStats", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(performance_score) FILTER (WHERE analytics_collected_at IS NOT NULL), 0)::float8,
			COALESCE(SUM(COALESCE((metrics->>'likes')::int, 0)
			           + COALESCE((metrics->>'comments')::int, 0)
			           + COALESCE((metrics->>'shares')::int, 0)), 0)::int
		FROM posts
		WHERE tenant_id = $1 AND published_at >= $2`, tenantID, since,
	).Scan(&stats.AvgPerformance, &stats.TotalEngagement)
	return stats, mapError("db.PublishingStats", err)
}
