package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/models"
)

// Store is the read side the scheduler needs.
type Store interface {
	GetPost(ctx context.Context, id int64) (models.Post, error)
	GetTenantProfile(ctx context.Context, tenantID int64) (models.TenantProfile, error)
	PerformanceHistory(ctx context.Context, tenantID int64, since time.Time, timezone string) ([]models.PerformanceBucket, error)
}

type Scheduler struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

func New(store Store) *Scheduler {
	return &Scheduler{store: store, timeout: 5 * time.Second, now: time.Now}
}

// CalculateOptimalTime never fails: lookup errors degrade to the fallback
// slot.
func (s *Scheduler) CalculateOptimalTime(ctx context.Context, postID, tenantID int64, preferred *time.Time) time.Time {
	now := s.now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	loc := time.UTC
	profile, err := s.store.GetTenantProfile(ctx, tenantID)
	switch {
	case err == nil:
		loc = profile.Location()
	case !apperr.Is(err, apperr.KindNotFound):
		slog.Warn("[Scheduler] Tenant profile lookup failed, using UTC",
			slog.Int64("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}

	in := Input{Now: now, Location: loc, Preferred: preferred}

	if preferred != nil && PreferredAcceptable(now, *preferred, loc) {
		return *preferred
	}

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		slog.Warn("[Scheduler] Post lookup failed, falling back",
			slog.Int64("post_id", postID),
			slog.String("error", err.Error()))
		return Fallback(now, loc)
	}
	in.ContentType = post.ContentType

	in.History, err = s.store.PerformanceHistory(ctx, tenantID, now.Add(-HistoryWindow), loc.String())
	if err != nil {
		slog.Warn("[Scheduler] History query failed, falling back",
			slog.Int64("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return Fallback(now, loc)
	}

	at := Compute(in)
	slog.Debug("[Scheduler] Picked publish time",
		slog.Int64("post_id", postID),
		slog.Time("at", at),
		slog.Int("history_buckets", len(in.History)))
	return at
}
