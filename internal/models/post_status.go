package models

import (
	"slices"

	"github.com/spacesedan/hookflow/internal/apperr"
)

type PostStatus string

const (
	PostStatusDraft               PostStatus = "draft"
	PostStatusPendingApproval     PostStatus = "pending_approval"
	PostStatusApproved            PostStatus = "approved"
	PostStatusApprovedAutoPublish PostStatus = "approved_auto_publish"
	PostStatusRejected            PostStatus = "rejected"
	PostStatusRegenerating        PostStatus = "regenerating"
	PostStatusScheduled           PostStatus = "scheduled"
	PostStatusPublished           PostStatus = "published"
	PostStatusPublishFailed       PostStatus = "publish_failed"
	PostStatusArchived            PostStatus = "archived"
)

// PostAction is both a lifecycle edge label and the action column of an
// approval record.
type PostAction string

const (
	ActionSubmit   PostAction = "submit"
	ActionApprove  PostAction = "approve"
	ActionReject   PostAction = "reject"
	ActionEdit     PostAction = "edit"
	ActionSchedule PostAction = "schedule"
	ActionCancel   PostAction = "cancel"
	ActionPublish  PostAction = "publish"
	ActionFail     PostAction = "fail"
	ActionRetry    PostAction = "retry"
	ActionArchive  PostAction = "archive"
)

var AllPostStatuses = []PostStatus{
	PostStatusDraft,
	PostStatusPendingApproval,
	PostStatusApproved,
	PostStatusApprovedAutoPublish,
	PostStatusRejected,
	PostStatusRegenerating,
	PostStatusScheduled,
	PostStatusPublished,
	PostStatusPublishFailed,
	PostStatusArchived,
}

var AllPostActions = []PostAction{
	ActionSubmit,
	ActionApprove,
	ActionReject,
	ActionEdit,
	ActionSchedule,
	ActionCancel,
	ActionPublish,
	ActionFail,
	ActionRetry,
	ActionArchive,
}

// postTransitions is the complete lifecycle graph: action -> from -> allowed targets.
var postTransitions = map[PostAction]map[PostStatus][]PostStatus{
	ActionSubmit: {
		PostStatusDraft: {PostStatusPendingApproval},
	},
	ActionApprove: {
		PostStatusPendingApproval: {PostStatusApproved, PostStatusApprovedAutoPublish},
	},
	ActionReject: {
		PostStatusPendingApproval: {PostStatusRejected, PostStatusRegenerating},
	},
	ActionEdit: {
		PostStatusDraft:           {PostStatusDraft},
		PostStatusPendingApproval: {PostStatusPendingApproval},
		PostStatusApproved:        {PostStatusApproved},
	},
	ActionSchedule: {
		PostStatusApproved:            {PostStatusScheduled},
		PostStatusApprovedAutoPublish: {PostStatusScheduled},
	},
	ActionCancel: {
		PostStatusScheduled:           {PostStatusApproved},
		PostStatusApprovedAutoPublish: {PostStatusApproved},
	},
	ActionPublish: {
		PostStatusScheduled: {PostStatusPublished},
	},
	ActionFail: {
		PostStatusScheduled:           {PostStatusPublishFailed},
		PostStatusApprovedAutoPublish: {PostStatusPublishFailed},
	},
	ActionRetry: {
		PostStatusPublishFailed: {PostStatusApproved},
	},
	ActionArchive: {
		PostStatusPublished:     {PostStatusArchived},
		PostStatusPublishFailed: {PostStatusArchived},
		PostStatusRejected:      {PostStatusArchived},
		PostStatusRegenerating:  {PostStatusArchived},
	},
}

func (s PostStatus) Valid() bool {
	return slices.Contains(AllPostStatuses, s)
}

// Targets returns the statuses reachable from s through action.
func (s PostStatus) Targets(action PostAction) []PostStatus {
	return postTransitions[action][s]
}

// CanApply reports whether action is allowed at all from s.
func (s PostStatus) CanApply(action PostAction) bool {
	return len(s.Targets(action)) > 0
}

// Publishable reports whether a delayed publish job may act on a post in s.
func (s PostStatus) Publishable() bool {
	return s == PostStatusScheduled || s == PostStatusApprovedAutoPublish
}

// CheckTransition validates one edge of the lifecycle graph.
func CheckTransition(from PostStatus, action PostAction, to PostStatus) error {
	targets := from.Targets(action)
	if len(targets) == 0 {
		return apperr.Validation("post.transition", "cannot %s a post in status %q", action, from)
	}
	if !slices.Contains(targets, to) {
		return apperr.Validation("post.transition", "%s from %q cannot lead to %q", action, from, to)
	}
	return nil
}
