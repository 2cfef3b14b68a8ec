// Package platform models social networks as a publish/analytics capability
// and manages the OAuth2 credentials they require.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spacesedan/hookflow/internal/apperr"
	"golang.org/x/oauth2"
)

type PublishRequest struct {
	PostID   int64    `json:"post_id"`
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

type PublishResult struct {
	RemoteID  string `json:"remote_id"`
	RemoteURL string `json:"remote_url"`
}

type Metrics struct {
	Likes       int `json:"likes"`
	Comments    int `json:"comments"`
	Shares      int `json:"shares"`
	Impressions int `json:"impressions"`
}

// Score weights engagement and maps it onto 0-100.
func (m Metrics) Score() float64 {
	raw := float64(m.Likes) + 2*float64(m.Comments) + 3*float64(m.Shares) + 0.01*float64(m.Impressions)
	return min(100, raw/10)
}

func (m Metrics) AsMap() map[string]int {
	return map[string]int{
		"likes":       m.Likes,
		"comments":    m.Comments,
		"shares":      m.Shares,
		"impressions": m.Impressions,
	}
}

type Platform interface {
	Name() string
	Publish(ctx context.Context, token *oauth2.Token, req PublishRequest) (PublishResult, error)
	FetchAnalytics(ctx context.Context, token *oauth2.Token, remoteID string) (Metrics, error)
}

// Registry resolves platforms by name.
type Registry struct {
	platforms map[string]Platform
}

func NewRegistry(platforms ...Platform) *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		r.platforms[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Platform, error) {
	p, ok := r.platforms[name]
	if !ok {
		return nil, apperr.Validation("platform.Get", "no publisher configured for platform %q", name)
	}
	return p, nil
}

var policyMarkers = []string{"policy", "spam", "duplicate", "forbidden content", "violat"}

// ClassifyStatus maps a platform HTTP failure onto the error kinds the
// dispatcher understands.
func ClassifyStatus(op string, status int, body string) error {
	msg := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(body))
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Unauthorized(op, msg, nil)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimit(op, msg, nil)
	case status >= 500:
		return apperr.External(op, msg, nil, false)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		for _, m := range policyMarkers {
			if strings.Contains(lower, m) {
				return apperr.External(op, "content rejected: "+msg, nil, true)
			}
		}
		return apperr.Validation(op, "%s", msg)
	case status == http.StatusNotFound:
		return apperr.NotFound(op, "remote resource", msg)
	}
	return apperr.External(op, msg, nil, status >= 400)
}
