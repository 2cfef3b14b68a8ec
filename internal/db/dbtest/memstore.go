// Package dbtest provides an in-memory Store for service tests. UpdatePost
// serializes on one lock, which is what the row lock guarantees per post.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/db"
	"github.com/spacesedan/hookflow/internal/models"
)

type MemStore struct {
	mu sync.Mutex

	seq         int64
	Now         func() time.Time
	sources     map[int64]models.ContentSource
	batches     map[int64]models.ProcessingBatch
	hooks       map[int64]models.Hook
	posts       map[int64]models.Post
	images      map[int64]models.Image
	profiles    map[int64]models.TenantProfile
	webhooks    map[string]models.WebhookConfig
	credentials map[string]models.PlatformCredential
	approvals   []models.ApprovalRecord
	history     []models.PublishingHistory
	analysed    map[int64]bool

	// Fail, when set, is returned by every method whose name it maps.
	Fail map[string]error
}

func NewMemStore() *MemStore {
	return &MemStore{
		Now:         func() time.Time { return time.Now().UTC() },
		sources:     map[int64]models.ContentSource{},
		batches:     map[int64]models.ProcessingBatch{},
		hooks:       map[int64]models.Hook{},
		posts:       map[int64]models.Post{},
		images:      map[int64]models.Image{},
		profiles:    map[int64]models.TenantProfile{},
		webhooks:    map[string]models.WebhookConfig{},
		credentials: map[string]models.PlatformCredential{},
		analysed:    map[int64]bool{},
		Fail:        map[string]error{},
	}
}

func (m *MemStore) next() int64 {
	m.seq++
	return m.seq
}

func (m *MemStore) fail(op string) error {
	return m.Fail[op]
}

func (m *MemStore) CreateContentSource(_ context.Context, rec models.IngestRecord) (models.ContentSource, models.ProcessingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateContentSource"); err != nil {
		return models.ContentSource{}, models.ProcessingBatch{}, err
	}
	now := m.Now()
	src := models.ContentSource{ID: m.next(), TenantID: rec.TenantID, Title: rec.Title, Content: rec.Content,
		ContentType: rec.ContentType, Metadata: rec.Metadata, CreatedAt: now}
	batch := models.ProcessingBatch{ID: m.next(), ContentSourceID: src.ID, TenantID: rec.TenantID,
		Status: models.BatchStatusPending, CreatedAt: now, UpdatedAt: now}
	m.sources[src.ID] = src
	m.batches[batch.ID] = batch
	return src, batch, nil
}

func (m *MemStore) GetContentSource(_ context.Context, id int64) (models.ContentSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return src, apperr.NotFound("dbtest.GetContentSource", "content source", id)
	}
	return src, nil
}

func (m *MemStore) GetBatch(_ context.Context, id int64) (models.ProcessingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return b, apperr.NotFound("dbtest.GetBatch", "batch", id)
	}
	return b, nil
}

func (m *MemStore) GetBatchByContentSource(_ context.Context, contentSourceID int64) (models.ProcessingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.ContentSourceID == contentSourceID {
			return b, nil
		}
	}
	return models.ProcessingBatch{}, apperr.NotFound("dbtest.GetBatchByContentSource", "batch for content source", contentSourceID)
}

func (m *MemStore) UpdateBatchProgress(_ context.Context, batchID int64, p models.BatchProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateBatchProgress"); err != nil {
		return err
	}
	b, ok := m.batches[batchID]
	if !ok {
		return apperr.NotFound("dbtest.UpdateBatchProgress", "batch", batchID)
	}
	now := m.Now()
	b.Status = p.Status
	b.CurrentStep = p.Step
	if p.Detail != nil {
		b.StepDetail = p.Detail
	}
	if p.HooksGenerated != nil {
		b.HooksGenerated = *p.HooksGenerated
	}
	b.ErrorMessage = p.ErrorMessage
	if b.StartedAt == nil && p.Status != models.BatchStatusPending {
		b.StartedAt = &now
	}
	if p.Status == models.BatchStatusCompleted || p.Status == models.BatchStatusFailed {
		b.CompletedAt = &now
	}
	b.UpdatedAt = now
	m.batches[batchID] = b
	return nil
}

func (m *MemStore) InsertHooks(_ context.Context, hooks []models.Hook) ([]models.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertHooks"); err != nil {
		return nil, err
	}
	out := make([]models.Hook, len(hooks))
	for i, h := range hooks {
		h.ID = m.next()
		h.CreatedAt = m.Now()
		m.hooks[h.ID] = h
		out[i] = h
	}
	return out, nil
}

func (m *MemStore) GetHooks(_ context.Context, ids []int64) ([]models.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Hook
	for _, id := range ids {
		if h, ok := m.hooks[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemStore) GetHooksByBatch(_ context.Context, batchID int64) ([]models.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Hook
	for _, id := range slices.Sorted(maps.Keys(m.hooks)) {
		if h := m.hooks[id]; h.BatchID == batchID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemStore) GetTenantProfile(_ context.Context, tenantID int64) (models.TenantProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tenantID]
	if !ok {
		return p, apperr.NotFound("dbtest.GetTenantProfile", "tenant profile", tenantID)
	}
	return p, nil
}

func (m *MemStore) UpsertTenantProfile(_ context.Context, p models.TenantProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.TenantID] = p
	return nil
}

func (m *MemStore) ResolveWebhook(_ context.Context, secret string) (models.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[secret]
	if !ok || !w.Active {
		return models.WebhookConfig{}, apperr.NotFound("dbtest.ResolveWebhook", "webhook", "secret")
	}
	return w, nil
}

func (m *MemStore) CreateWebhook(_ context.Context, w models.WebhookConfig) (models.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.webhooks[w.Secret]; dup {
		return w, apperr.Persistence("dbtest.CreateWebhook", "duplicate secret", nil)
	}
	w.ID = m.next()
	m.webhooks[w.Secret] = w
	return w, nil
}

func (m *MemStore) InsertPosts(_ context.Context, posts []models.Post) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertPosts"); err != nil {
		return nil, err
	}
	out := make([]models.Post, len(posts))
	for i, p := range posts {
		p.ID = m.next()
		p.CountCharacters()
		p.CreatedAt, p.UpdatedAt = m.Now(), m.Now()
		m.posts[p.ID] = p
		out[i] = p
	}
	return out, nil
}

// PutPost stores p as is, assigning an id when missing.
func (m *MemStore) PutPost(p models.Post) models.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.next()
	}
	m.posts[p.ID] = p
	return p
}

func (m *MemStore) GetPost(_ context.Context, id int64) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return p, apperr.NotFound("dbtest.GetPost", "post", id)
	}
	return p, nil
}

type memTx struct {
	m         *MemStore
	approvals []models.ApprovalRecord
	history   []models.PublishingHistory
	selected  map[int64]int64
}

func (t *memTx) AppendApproval(_ context.Context, rec models.ApprovalRecord) error {
	rec.CreatedAt = t.m.Now()
	t.approvals = append(t.approvals, rec)
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, h models.PublishingHistory) error {
	h.CreatedAt = t.m.Now()
	t.history = append(t.history, h)
	return nil
}

func (t *memTx) SelectImage(_ context.Context, postID, imageID int64) error {
	img, ok := t.m.images[imageID]
	if !ok || img.PostID != postID {
		return apperr.NotFound("dbtest.SelectImage", "image", imageID)
	}
	if img.Status == models.ImageStatusRejected || img.Status == models.ImageStatusArchived {
		return apperr.Validation("dbtest.SelectImage", "image %d is %s", imageID, img.Status)
	}
	t.selected[postID] = imageID
	return nil
}

func (m *MemStore) UpdatePost(ctx context.Context, id int64, fn db.UpdateFunc) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePost"); err != nil {
		return models.Post{}, err
	}

	original, ok := m.posts[id]
	if !ok {
		return models.Post{}, apperr.NotFound("dbtest.UpdatePost", "post", id)
	}
	p := original
	p.Hashtags = slices.Clone(original.Hashtags)
	tx := &memTx{m: m, selected: map[int64]int64{}}

	if err := fn(ctx, tx, &p); err != nil {
		if errors.Is(err, db.ErrSkipUpdate) {
			return original, err
		}
		return models.Post{}, err
	}

	p.CountCharacters()
	p.UpdatedAt = m.Now()
	m.posts[id] = p
	m.approvals = append(m.approvals, tx.approvals...)
	m.history = append(m.history, tx.history...)
	for postID, imageID := range tx.selected {
		m.selectImage(postID, imageID)
	}
	return p, nil
}

func (m *MemStore) selectImage(postID, imageID int64) {
	for id, img := range m.images {
		if img.PostID == postID {
			img.Selected = id == imageID
			m.images[id] = img
		}
	}
}

func (m *MemStore) SelectImage(ctx context.Context, postID, imageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, selected: map[int64]int64{}}
	if err := tx.SelectImage(ctx, postID, imageID); err != nil {
		return err
	}
	m.selectImage(postID, imageID)
	return nil
}

func (m *MemStore) InsertImage(_ context.Context, img models.Image) (models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertImage"); err != nil {
		return img, err
	}
	img.ID = m.next()
	img.CreatedAt = m.Now()
	m.images[img.ID] = img
	return img, nil
}

func (m *MemStore) ListImages(_ context.Context, postID int64) ([]models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Image
	for _, id := range slices.Sorted(maps.Keys(m.images)) {
		if img := m.images[id]; img.PostID == postID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *MemStore) listPosts(keep func(models.Post) bool) []models.Post {
	var out []models.Post
	for _, id := range slices.Sorted(maps.Keys(m.posts)) {
		if p := m.posts[id]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemStore) ListScheduledPosts(_ context.Context, tenantID int64) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPosts(func(p models.Post) bool { return p.TenantID == tenantID && p.Status.Publishable() }), nil
}

func (m *MemStore) ListPostsByBatch(_ context.Context, batchID int64) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPosts(func(p models.Post) bool { return p.BatchID == batchID }), nil
}

func (m *MemStore) ListApprovalHistory(_ context.Context, postID int64) ([]models.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRecord
	for _, r := range m.approvals {
		if r.PostID == postID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemStore) ListPublishingHistory(_ context.Context, postID int64) ([]models.PublishingHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PublishingHistory
	for _, h := range m.history {
		if h.PostID == postID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemStore) UpdatePostMetrics(_ context.Context, postID int64, score float64, metrics map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePostMetrics"); err != nil {
		return err
	}
	p, ok := m.posts[postID]
	if !ok {
		return apperr.NotFound("dbtest.UpdatePostMetrics", "post", postID)
	}
	p.PerformanceScore = score
	p.Metrics = metrics
	m.posts[postID] = p
	m.analysed[postID] = true
	return nil
}

func (m *MemStore) PerformanceHistory(_ context.Context, tenantID int64, since time.Time, timezone string) ([]models.PerformanceBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PerformanceHistory"); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	type slot struct {
		day  time.Weekday
		hour int
	}
	sums := map[slot]*models.PerformanceBucket{}
	var order []slot
	for _, p := range m.listPosts(func(p models.Post) bool {
		return p.TenantID == tenantID && p.PublishedAt != nil && !p.PublishedAt.Before(since) && m.analysed[p.ID]
	}) {
		local := p.PublishedAt.In(loc)
		k := slot{local.Weekday(), local.Hour()}
		b, ok := sums[k]
		if !ok {
			b = &models.PerformanceBucket{Weekday: k.day, Hour: k.hour}
			sums[k] = b
			order = append(order, k)
		}
		b.AvgScore = (b.AvgScore*float64(b.Samples) + p.PerformanceScore) / float64(b.Samples+1)
		b.Samples++
	}
	out := make([]models.PerformanceBucket, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	return out, nil
}

func (m *MemStore) PublishingStats(_ context.Context, tenantID int64, since time.Time) (models.PublishingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.PublishingStats{TenantID: tenantID}
	for _, h := range m.history {
		if h.TenantID != tenantID || h.CreatedAt.Before(since) {
			continue
		}
		switch h.Event {
		case models.PublishEventPublished:
			stats.Published++
		case models.PublishEventFailed:
			stats.Failed++
		case models.PublishEventScheduled:
			stats.Scheduled++
		case models.PublishEventCancelled:
			stats.Cancelled++
		}
	}
	var total float64
	var n int
	for _, p := range m.listPosts(func(p models.Post) bool {
		return p.TenantID == tenantID && p.PublishedAt != nil && !p.PublishedAt.Before(since)
	}) {
		if m.analysed[p.ID] {
			total += p.PerformanceScore
			n++
		}
		stats.TotalEngagement += p.Metrics["likes"] + p.Metrics["comments"] + p.Metrics["shares"]
	}
	if n > 0 {
		stats.AvgPerformance = total / float64(n)
	}
	return stats, nil
}

func credKey(tenantID int64, platform string) string {
	return fmt.Sprintf("%d/%s", tenantID, platform)
}

func (m *MemStore) GetPlatformCredential(_ context.Context, tenantID int64, platform string) (models.PlatformCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credKey(tenantID, platform)]
	if !ok {
		return models.PlatformCredential{TenantID: tenantID, Platform: platform},
			apperr.NotFound("dbtest.GetPlatformCredential", "credential", platform)
	}
	return c, nil
}

func (m *MemStore) SavePlatformCredential(_ context.Context, c models.PlatformCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[credKey(c.TenantID, c.Platform)] = c
	return nil
}
