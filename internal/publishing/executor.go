// Package publishing performs the final publish of a scheduled post and
// the deferred analytics collection that follows it.
package publishing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/approval"
	"github.com/spacesedan/hookflow/internal/db"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/notify"
	"github.com/spacesedan/hookflow/internal/platform"
	"github.com/spacesedan/hookflow/internal/queue"
	"golang.org/x/oauth2"
)

const DefaultAnalyticsDelay = 24 * time.Hour

type Store interface {
	GetPost(ctx context.Context, id int64) (models.Post, error)
	UpdatePost(ctx context.Context, id int64, fn db.UpdateFunc) (models.Post, error)
	ListImages(ctx context.Context, postID int64) ([]models.Image, error)
	UpdatePostMetrics(ctx context.Context, postID int64, score float64, metrics map[string]int) error
}

type TokenProvider interface {
	Token(ctx context.Context, tenantID int64, platform string) (*oauth2.Token, error)
}

type Platforms interface {
	Get(name string) (platform.Platform, error)
}

type SnapshotArchive interface {
	PutSnapshot(ctx context.Context, s models.AnalyticsSnapshot) error
}

type SearchIndex interface {
	IndexPublishedPost(ctx context.Context, post models.Post) error
}

type Result struct {
	RemoteID  string `json:"remote_id"`
	RemoteURL string `json:"remote_url"`
	Skipped   bool   `json:"skipped,omitempty"`
}

type Executor struct {
	store     Store
	tokens    TokenProvider
	platforms Platforms
	jobs      queue.Enqueuer
	events    notify.Publisher

	// Optional sinks. Nil disables them.
	Archive SnapshotArchive
	Index   SearchIndex

	AnalyticsDelay time.Duration
	now            func() time.Time
}

func NewExecutor(store Store, tokens TokenProvider, platforms Platforms, jobs queue.Enqueuer, events notify.Publisher) *Executor {
	if events == nil {
		events = notify.Discard{}
	}
	return &Executor{
		store:          store,
		tokens:         tokens,
		platforms:      platforms,
		jobs:           jobs,
		events:         events,
		AnalyticsDelay: DefaultAnalyticsDelay,
		now:            time.Now,
	}
}

// stale reports whether the job no longer matches the post: it was
// cancelled, rescheduled or already handled.
func stale(post models.Post, p models.PublishPostPayload) bool {
	if !post.Status.Publishable() {
		return true
	}
	return !p.ScheduledFor.IsZero() && post.ScheduledFor != nil && !post.ScheduledFor.Equal(p.ScheduledFor)
}

// Publish sends the post to its platform. A post that is no longer
// publishable is skipped without side effects. Terminal failures mark the
// post publish_failed before returning.
func (e *Executor) Publish(ctx context.Context, p models.PublishPostPayload) (Result, error) {
	post, err := e.store.GetPost(ctx, p.PostID)
	if err != nil {
		return Result{}, err
	}
	if stale(post, p) {
		slog.Info("[Publisher] Post no longer scheduled for this job, skipping",
			slog.Int64("post_id", post.ID),
			slog.String("status", string(post.Status)))
		return Result{Skipped: true}, nil
	}

	res, err := e.publishRemote(ctx, post)
	if err != nil {
		if apperr.IsTerminal(err) {
			if markErr := e.MarkFailed(ctx, p, err); markErr != nil {
				slog.Error("[Publisher] Failed to record publish failure",
					slog.Int64("post_id", post.ID),
					slog.String("error", markErr.Error()))
			}
		}
		return Result{}, err
	}

	published, err := e.store.UpdatePost(ctx, post.ID, func(ctx context.Context, tx db.PostTx, cur *models.Post) error {
		if stale(*cur, p) {
			return db.ErrSkipUpdate
		}
		if cur.Status == models.PostStatusApprovedAutoPublish {
			if err := approval.Transition(ctx, tx, cur, approval.SystemActor, models.ActionSchedule, models.PostStatusScheduled, "auto publish"); err != nil {
				return err
			}
		}
		if err := approval.Transition(ctx, tx, cur, approval.SystemActor, models.ActionPublish, models.PostStatusPublished, ""); err != nil {
			return err
		}
		at := e.now().UTC()
		cur.PublishedAt = &at
		cur.RemoteID = res.RemoteID
		cur.RemoteURL = res.RemoteURL
		cur.ErrorMessage = ""
		return tx.AppendHistory(ctx, models.PublishingHistory{
			PostID:    cur.ID,
			TenantID:  cur.TenantID,
			Event:     models.PublishEventPublished,
			RemoteID:  res.RemoteID,
			RemoteURL: res.RemoteURL,
		})
	})
	if errors.Is(err, db.ErrSkipUpdate) {
		slog.Warn("[Publisher] Post changed while publishing, remote post left in place",
			slog.Int64("post_id", post.ID),
			slog.String("remote_id", res.RemoteID))
		return Result{RemoteID: res.RemoteID, RemoteURL: res.RemoteURL, Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("record publish of post %d: %w", post.ID, err)
	}

	slog.Info("[Publisher] Post published",
		slog.Int64("post_id", published.ID),
		slog.String("platform", published.Platform),
		slog.String("remote_id", res.RemoteID))

	e.afterPublish(ctx, published)
	return Result{RemoteID: res.RemoteID, RemoteURL: res.RemoteURL}, nil
}

func (e *Executor) publishRemote(ctx context.Context, post models.Post) (platform.PublishResult, error) {
	plat, err := e.platforms.Get(post.Platform)
	if err != nil {
		return platform.PublishResult{}, err
	}
	tok, err := e.tokens.Token(ctx, post.TenantID, post.Platform)
	if err != nil {
		return platform.PublishResult{}, err
	}

	req := platform.PublishRequest{PostID: post.ID, Content: post.Content, Hashtags: post.Hashtags}
	if images, err := e.store.ListImages(ctx, post.ID); err == nil {
		for _, img := range images {
			if img.Selected {
				req.ImageURL = img.URL
			}
		}
	}
	return plat.Publish(ctx, tok, req)
}

// afterPublish runs the best-effort follow-ups. None of them can undo the
// publish.
func (e *Executor) afterPublish(ctx context.Context, post models.Post) {
	_, err := e.jobs.Enqueue(ctx, models.QueueAnalytics, models.JobCollectAnalytics,
		models.CollectAnalyticsPayload{PostID: post.ID, RemoteID: post.RemoteID, TenantID: post.TenantID},
		queue.Options{Delay: e.AnalyticsDelay})
	if err != nil {
		slog.Error("[Publisher] Failed to schedule analytics collection",
			slog.Int64("post_id", post.ID),
			slog.String("error", err.Error()))
	}

	if e.Index != nil {
		if err := e.Index.IndexPublishedPost(ctx, post); err != nil {
			slog.Warn("[Publisher] Failed to index published post",
				slog.Int64("post_id", post.ID),
				slog.String("error", err.Error()))
		}
	}

	e.events.Publish(notify.Event{
		Type:     notify.EventPostPublished,
		TenantID: post.TenantID,
		PostID:   post.ID,
		BatchID:  post.BatchID,
		Status:   string(post.Status),
		Message:  post.RemoteURL,
		At:       e.now(),
	})
}

// MarkFailed moves the post of job p to publish_failed with cause as its
// error message. Posts that left the schedule, or were rescheduled under a
// newer job, are left alone.
func (e *Executor) MarkFailed(ctx context.Context, p models.PublishPostPayload, cause error) error {
	msg := "publish failed"
	if cause != nil {
		msg = cause.Error()
	}
	post, err := e.store.UpdatePost(ctx, p.PostID, func(ctx context.Context, tx db.PostTx, cur *models.Post) error {
		if stale(*cur, p) {
			return db.ErrSkipUpdate
		}
		if err := approval.Transition(ctx, tx, cur, approval.SystemActor, models.ActionFail, models.PostStatusPublishFailed, msg); err != nil {
			return err
		}
		cur.ErrorMessage = msg
		cur.PublishJobID = ""
		return tx.AppendHistory(ctx, models.PublishingHistory{
			PostID:   cur.ID,
			TenantID: cur.TenantID,
			Event:    models.PublishEventFailed,
			Metadata: map[string]any{"error": msg, "terminal": apperr.IsTerminal(cause)},
		})
	})
	if errors.Is(err, db.ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Warn("[Publisher] Post marked publish_failed",
		slog.Int64("post_id", post.ID),
		slog.String("error", msg))
	e.events.Publish(notify.Event{
		Type:     notify.EventPostPublishFailed,
		TenantID: post.TenantID,
		PostID:   post.ID,
		BatchID:  post.BatchID,
		Status:   string(post.Status),
		Message:  msg,
		At:       e.now(),
	})
	return nil
}

// MarkAnalyticsFailed records why collection for a published post gave up.
// The post keeps its status.
func (e *Executor) MarkAnalyticsFailed(ctx context.Context, p models.CollectAnalyticsPayload, cause error) error {
	msg := "analytics collection failed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	_, err := e.store.UpdatePost(ctx, p.PostID, func(_ context.Context, _ db.PostTx, cur *models.Post) error {
		cur.ErrorMessage = msg
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("[Analytics] Gave up collecting post metrics",
		slog.Int64("post_id", p.PostID),
		slog.String("error", msg))
	return nil
}

// CollectAnalytics stores a raw snapshot and the normalized score for a
// published post.
func (e *Executor) CollectAnalytics(ctx context.Context, p models.CollectAnalyticsPayload) (platform.Metrics, error) {
	post, err := e.store.GetPost(ctx, p.PostID)
	if err != nil {
		return platform.Metrics{}, err
	}
	if post.Status != models.PostStatusPublished && post.Status != models.PostStatusArchived {
		slog.Info("[Analytics] Post is not published, skipping",
			slog.Int64("post_id", post.ID),
			slog.String("status", string(post.Status)))
		return platform.Metrics{}, nil
	}
	remoteID := p.RemoteID
	if remoteID == "" {
		remoteID = post.RemoteID
	}

	plat, err := e.platforms.Get(post.Platform)
	if err != nil {
		return platform.Metrics{}, err
	}
	tok, err := e.tokens.Token(ctx, post.TenantID, post.Platform)
	if err != nil {
		return platform.Metrics{}, err
	}
	m, err := plat.FetchAnalytics(ctx, tok, remoteID)
	if err != nil {
		return platform.Metrics{}, err
	}

	score := m.Score()
	if e.Archive != nil {
		snap := models.AnalyticsSnapshot{
			PostID:      post.ID,
			TenantID:    post.TenantID,
			RemoteID:    remoteID,
			Platform:    post.Platform,
			Likes:       m.Likes,
			Comments:    m.Comments,
			Shares:      m.Shares,
			Impressions: m.Impressions,
			Score:       score,
			CollectedAt: e.now().UTC(),
		}
		if err := e.Archive.PutSnapshot(ctx, snap); err != nil {
			slog.Warn("[Analytics] Failed to archive snapshot",
				slog.Int64("post_id", post.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := e.store.UpdatePostMetrics(ctx, post.ID, score, m.AsMap()); err != nil {
		return m, err
	}
	slog.Info("[Analytics] Collected post metrics",
		slog.Int64("post_id", post.ID),
		slog.Float64("score", score))
	return m, nil
}
