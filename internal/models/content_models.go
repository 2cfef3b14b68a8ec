package models

import (
	"strings"
	"time"
)

const (
	ContentTypeMeetingTranscript = "meeting_transcript"
	ContentTypeManual            = "manual"
	ContentTypeWebhook           = "webhook"
)

// ContentSource is raw input submitted to the pipeline. It is never updated.
type ContentSource struct {
	ID          int64          `json:"id"`
	TenantID    int64          `json:"tenant_id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IngestRecord is the normalized shape handed over by ingestion collaborators.
type IngestRecord struct {
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	TenantID    int64          `json:"tenant_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WebhookMessage is what arrives on the raw-content topic: the record plus
// the secret that identifies its webhook and therefore its tenant.
type WebhookMessage struct {
	Secret string       `json:"secret"`
	Record IngestRecord `json:"record"`
}

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Pipeline steps recorded on a batch.
const (
	StepQueued = iota
	StepExtractHooks
	StepComposePosts
	StepDone
)

var stepNames = map[int]string{
	StepQueued:       "queued",
	StepExtractHooks: "extract_hooks",
	StepComposePosts: "compose_posts",
	StepDone:         "done",
}

func StepName(step int) string {
	if name, ok := stepNames[step]; ok {
		return name
	}
	return "unknown"
}

type ProcessingBatch struct {
	ID              int64          `json:"id"`
	ContentSourceID int64          `json:"content_source_id"`
	TenantID        int64          `json:"tenant_id"`
	Status          BatchStatus    `json:"status"`
	CurrentStep     int            `json:"current_step"`
	StepDetail      map[string]any `json:"step_detail,omitempty"`
	HooksGenerated  int            `json:"hooks_generated"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BatchProgress is the typed update a pipeline stage applies to its batch.
type BatchProgress struct {
	Status         BatchStatus
	Step           int
	Detail         map[string]any
	HooksGenerated *int
	ErrorMessage   string
}

// ProcessingStatus is the read model returned to status queries.
type ProcessingStatus struct {
	BatchID        int64       `json:"batch_id"`
	Status         BatchStatus `json:"status"`
	CurrentStep    int         `json:"current_step"`
	StepName       string      `json:"step_name"`
	HooksGenerated int         `json:"hooks_generated"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (b ProcessingBatch) ToStatus() ProcessingStatus {
	return ProcessingStatus{
		BatchID:        b.ID,
		Status:         b.Status,
		CurrentStep:    b.CurrentStep,
		StepName:       StepName(b.CurrentStep),
		HooksGenerated: b.HooksGenerated,
		ErrorMessage:   b.ErrorMessage,
		CreatedAt:      b.CreatedAt,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

type HookRenderings struct {
	LongForm  string `json:"long_form"`
	ShortForm string `json:"short_form"`
	Title     string `json:"title"`
}

type Hook struct {
	ID              int64          `json:"id"`
	BatchID         int64          `json:"batch_id"`
	TenantID        int64          `json:"tenant_id"`
	Text            string         `json:"text"`
	HookType        string         `json:"hook_type"`
	ContentPillar   string         `json:"content_pillar"`
	SourceQuote     string         `json:"source_quote"`
	Renderings      HookRenderings `json:"renderings"`
	RelevanceScore  int            `json:"relevance_score"`
	EngagementScore int            `json:"engagement_score"`
	Priority        int            `json:"priority"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TenantProfile is the brand context generation and scheduling read from.
type TenantProfile struct {
	TenantID         int64    `json:"tenant_id"`
	BrandName        string   `json:"brand_name"`
	Keywords         []string `json:"keywords"`
	Pillars          []string `json:"pillars"`
	ProhibitedTerms  []string `json:"prohibited_terms"`
	Tone             string   `json:"tone"`
	Timezone         string   `json:"timezone"`
	DefaultPlatforms []string `json:"default_platforms"`
}

// Location resolves the tenant timezone, falling back to UTC.
func (p TenantProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type WebhookFilters struct {
	ContentTypes []string `json:"content_types,omitempty"`
	MinWords     int      `json:"min_words,omitempty"`
}

type WebhookConfig struct {
	ID         int64          `json:"id"`
	TenantID   int64          `json:"tenant_id"`
	SourceType string         `json:"source_type"`
	Secret     string         `json:"-"`
	Filters    WebhookFilters `json:"filters"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Accepts applies the webhook filters to a record.
func (w WebhookConfig) Accepts(rec IngestRecord) bool {
	if len(w.Filters.ContentTypes) > 0 {
		ok := false
		for _, ct := range w.Filters.ContentTypes {
			if strings.EqualFold(ct, rec.ContentType) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.Filters.MinWords > 0 && len(strings.Fields(rec.Content)) < w.Filters.MinWords {
		return false
	}
	return true
}

type ApprovalRecord struct {
	ID         int64      `json:"id"`
	PostID     int64      `json:"post_id"`
	TenantID   int64      `json:"tenant_id"`
	Actor      string     `json:"actor"`
	Action     PostAction `json:"action"`
	Notes      string     `json:"notes,omitempty"`
	FromStatus PostStatus `json:"from_status"`
	ToStatus   PostStatus `json:"to_status"`
	CreatedAt  time.Time  `json:"created_at"`
}

type PublishEvent string

const (
	PublishEventScheduled PublishEvent = "scheduled"
	PublishEventPublished PublishEvent = "published"
	PublishEventCancelled PublishEvent = "cancelled"
	PublishEventFailed    PublishEvent = "failed"
)

type PublishingHistory struct {
	ID        int64          `json:"id"`
	PostID    int64          `json:"post_id"`
	TenantID  int64          `json:"tenant_id"`
	Event     PublishEvent   `json:"event"`
	RemoteID  string         `json:"remote_id,omitempty"`
	RemoteURL string         `json:"remote_url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PerformanceBucket aggregates published-post performance for one
// weekday/hour slot in tenant-local time.
type PerformanceBucket struct {
	Weekday  time.Weekday `json:"weekday"`
	Hour     int          `json:"hour"`
	Samples  int          `json:"samples"`
	AvgScore float64      `json:"avg_score"`
}

type PublishingStats struct {
	TenantID        int64   `json:"tenant_id"`
	WindowDays      int     `json:"window_days"`
	Published       int     `json:"published"`
	Failed          int     `json:"failed"`
	Scheduled       int     `json:"scheduled"`
	Cancelled       int     `json:"cancelled"`
	AvgPerformance  float64 `json:"avg_performance"`
	TotalEngagement int     `json:"total_engagement"`
}

type AnalyticsSnapshot struct {
	PostID      int64     `json:"post_id" dynamodbav:"post_id"`
	TenantID    int64     `json:"tenant_id" dynamodbav:"tenant_id"`
	RemoteID    string    `json:"remote_id" dynamodbav:"remote_id"`
	Platform    string    `json:"platform" dynamodbav:"platform"`
	Likes       int       `json:"likes" dynamodbav:"likes"`
	Comments    int       `json:"comments" dynamodbav:"comments"`
	Shares      int       `json:"shares" dynamodbav:"shares"`
	Impressions int       `json:"impressions" dynamodbav:"impressions"`
	Score       float64   `json:"score" dynamodbav:"score"`
	CollectedAt time.Time `json:"collected_at" dynamodbav:"collected_at"`
}

// PlatformCredential is the stored OAuth2 token for one tenant on one
// platform.
type PlatformCredential struct {
	TenantID     int64     `json:"tenant_id"`
	Platform     string    `json:"platform"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}
