package models

import "time"

// Queue names.
const (
	QueueGeneration = "generation"
	QueuePublishing = "publishing"
	QueueAnalytics  = "analytics"
)

// Job types.
const (
	JobGenerateHooks    = "generate-hooks"
	JobGeneratePosts    = "generate-posts"
	JobGenerateImage    = "generate-image"
	JobPublishPost      = "publish-post"
	JobCollectAnalytics = "collect-analytics"
)

type GenerateHooksPayload struct {
	ContentSourceID int64 `json:"contentSourceId"`
	TenantID        int64 `json:"tenantId"`
}

// GeneratePostsPayload also carries regeneration context when a rejected
// post asked for a new draft.
type GeneratePostsPayload struct {
	HookIDs         []int64 `json:"hookIds"`
	TenantID        int64   `json:"tenantId"`
	ContentSourceID int64   `json:"contentSourceId,omitempty"`
	BatchID         int64   `json:"batchId,omitempty"`
	RegenerateOf    int64   `json:"regenerateOf,omitempty"`
}

type GenerateImagePayload struct {
	PostID   int64  `json:"postId"`
	TenantID int64  `json:"tenantId"`
	Model    string `json:"model,omitempty"`
}

type PublishPostPayload struct {
	PostID       int64     `json:"postId"`
	TenantID     int64     `json:"tenantId"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

type CollectAnalyticsPayload struct {
	PostID   int64  `json:"postId"`
	RemoteID string `json:"remoteId"`
	TenantID int64  `json:"tenantId"`
}
