package models

import (
	"testing"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionGraphIsTotal(t *testing.T) {
	for _, from := range AllPostStatuses {
		for _, action := range AllPostActions {
			targets := from.Targets(action)
			for _, to := range AllPostStatuses {
				err := CheckTransition(from, action, to)
				allowed := false
				for _, target := range targets {
					if target == to {
						allowed = true
					}
				}
				if allowed {
					assert.NoError(t, err, "%s --%s--> %s", from, action, to)
					continue
				}
				require.Error(t, err, "%s --%s--> %s", from, action, to)
				assert.True(t, apperr.Is(err, apperr.KindValidation))
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   PostStatus
		action PostAction
		to     PostStatus
	}{
		{PostStatusDraft, ActionSubmit, PostStatusPendingApproval},
		{PostStatusPendingApproval, ActionApprove, PostStatusApproved},
		{PostStatusPendingApproval, ActionApprove, PostStatusApprovedAutoPublish},
		{PostStatusPendingApproval, ActionReject, PostStatusRejected},
		{PostStatusPendingApproval, ActionReject, PostStatusRegenerating},
		{PostStatusApproved, ActionEdit, PostStatusApproved},
		{PostStatusApproved, ActionSchedule, PostStatusScheduled},
		{PostStatusScheduled, ActionCancel, PostStatusApproved},
		{PostStatusScheduled, ActionPublish, PostStatusPublished},
		{PostStatusScheduled, ActionFail, PostStatusPublishFailed},
		{PostStatusPublishFailed, ActionRetry, PostStatusApproved},
		{PostStatusPublished, ActionArchive, PostStatusArchived},
	}
	for _, tc := range cases {
		assert.NoError(t, CheckTransition(tc.from, tc.action, tc.to), "%s --%s--> %s", tc.from, tc.action, tc.to)
	}

	assert.Error(t, CheckTransition(PostStatusPublished, ActionEdit, PostStatusPublished))
	assert.Error(t, CheckTransition(PostStatusDraft, ActionApprove, PostStatusApproved))
	assert.Error(t, CheckTransition(PostStatusArchived, ActionRetry, PostStatusApproved))
}

func TestPublishable(t *testing.T) {
	for _, s := range AllPostStatuses {
		want := s == PostStatusScheduled || s == PostStatusApprovedAutoPublish
		assert.Equal(t, want, s.Publishable(), string(s))
	}
	assert.False(t, PostStatus("bogus").Valid())
}
