// Package notify fans lifecycle events out to subscribed users and
// observers.
package notify

import (
	"strconv"
	"time"
)

type EventType string

const (
	EventPostSubmitted     EventType = "post.submitted"
	EventPostApproved      EventType = "post.approved"
	EventPostRejected      EventType = "post.rejected"
	EventPostScheduled     EventType = "post.scheduled"
	EventPostCancelled     EventType = "post.cancelled"
	EventPostPublished     EventType = "post.published"
	EventPostPublishFailed EventType = "post.publish_failed"
	EventBatchCompleted    EventType = "batch.completed"
	EventBatchFailed       EventType = "batch.failed"
)

// Event is one lifecycle notification. An empty UserID addresses every user
// of the tenant.
type Event struct {
	Type     EventType      `json:"type"`
	TenantID int64          `json:"tenant_id"`
	UserID   string         `json:"user_id,omitempty"`
	PostID   int64          `json:"post_id,omitempty"`
	BatchID  int64          `json:"batch_id,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Status   string         `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// Key partitions events by the entity they describe.
func (e Event) Key() string {
	if e.PostID != 0 {
		return "post:" + strconv.FormatInt(e.PostID, 10)
	}
	return "batch:" + strconv.FormatInt(e.BatchID, 10)
}

// Publisher is what the rest of the pipeline depends on.
type Publisher interface {
	Publish(e Event)
}

// Observer sees every published event.
type Observer interface {
	Observe(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
