package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spacesedan/hookflow/internal/apperr"
)

const (
	maxPostRunes = 3000
	maxHashtags  = 30
)

// PlatformLimits caps post length per target platform, in runes.
var PlatformLimits = map[string]int{
	"linkedin":  3000,
	"twitter":   280,
	"instagram": 2200,
	"facebook":  5000,
}

type Post struct {
	ID                  int64          `json:"id"`
	HookID              int64          `json:"hook_id"`
	BatchID             int64          `json:"batch_id"`
	ContentSourceID     int64          `json:"content_source_id"`
	TenantID            int64          `json:"tenant_id"`
	Platform            string         `json:"platform"`
	ContentType         string         `json:"content_type"`
	Content             string         `json:"content"`
	Hashtags            []string       `json:"hashtags"`
	CharacterCount      int            `json:"character_count"`
	PerformanceScore    float64        `json:"performance_score"`
	BrandAlignmentScore float64        `json:"brand_alignment_score"`
	Status              PostStatus     `json:"status"`
	ScheduledFor        *time.Time     `json:"scheduled_for,omitempty"`
	PublishedAt         *time.Time     `json:"published_at,omitempty"`
	PublishJobID        string         `json:"publish_job_id,omitempty"`
	RemoteID            string         `json:"remote_id,omitempty"`
	RemoteURL           string         `json:"remote_url,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	Metrics             map[string]int `json:"metrics,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// CountCharacters recomputes CharacterCount from Content.
func (p *Post) CountCharacters() {
	p.CharacterCount = utf8.RuneCountInString(p.Content)
}

// PostPatch enumerates the fields an edit may touch. Nil fields are left
// unchanged.
type PostPatch struct {
	Content  *string   `json:"content,omitempty"`
	Hashtags *[]string `json:"hashtags,omitempty"`
}

func (p PostPatch) IsEmpty() bool {
	return p.Content == nil && p.Hashtags == nil
}

// Validate rejects patches that would leave the post unusable. platform may
// be empty, in which case only the global limit applies.
func (p PostPatch) Validate(platform string) error {
	if p.IsEmpty() {
		return apperr.Validation("post.patch", "patch has no fields")
	}
	if p.Content != nil {
		content := strings.TrimSpace(*p.Content)
		if content == "" {
			return apperr.Validation("post.patch", "content cannot be empty")
		}
		limit := maxPostRunes
		if l, ok := PlatformLimits[platform]; ok {
			limit = l
		}
		if n := utf8.RuneCountInString(content); n > limit {
			return apperr.Validation("post.patch", "content is %d characters, limit for %q is %d", n, platform, limit)
		}
	}
	if p.Hashtags != nil {
		tags := *p.Hashtags
		if len(tags) > maxHashtags {
			return apperr.Validation("post.patch", "too many hashtags: %d", len(tags))
		}
		for _, tag := range tags {
			if len(tag) < 2 || !strings.HasPrefix(tag, "#") || strings.ContainsAny(tag, " \t\n") {
				return apperr.Validation("post.patch", "invalid hashtag %q", tag)
			}
		}
	}
	return nil
}

// Apply copies the set fields onto post. Callers validate first.
func (p PostPatch) Apply(post *Post) {
	if p.Content != nil {
		post.Content = strings.TrimSpace(*p.Content)
		post.CountCharacters()
	}
	if p.Hashtags != nil {
		post.Hashtags = append([]string(nil), (*p.Hashtags)...)
	}
}

type ImageStatus string

const (
	ImageStatusGenerated ImageStatus = "generated"
	ImageStatusApproved  ImageStatus = "approved"
	ImageStatusRejected  ImageStatus = "rejected"
	ImageStatusArchived  ImageStatus = "archived"
)

type Image struct {
	ID                  int64       `json:"id"`
	PostID              int64       `json:"post_id"`
	TenantID            int64       `json:"tenant_id"`
	Model               string      `json:"model"`
	Prompt              string      `json:"prompt"`
	URL                 string      `json:"url"`
	Size                string      `json:"size"`
	QualityScore        float64     `json:"quality_score"`
	BrandAlignmentScore float64     `json:"brand_alignment_score"`
	Selected            bool        `json:"selected"`
	Status              ImageStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
}
