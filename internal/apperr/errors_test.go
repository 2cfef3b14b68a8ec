package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	base := NotFound("db.GetPost", "post", 42)
	wrapped := fmt.Errorf("approve: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindValidation))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestTerminalClassification(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"validation", Validation("op", "bad %s", "input"), true},
		{"not found", NotFound("op", "post", 1), true},
		{"unauthorized", Unauthorized("op", "token expired", nil), true},
		{"rate limit", RateLimit("op", "slow down", nil), false},
		{"external retryable", External("op", "502", nil, false), false},
		{"external terminal", External("op", "content policy", nil, true), true},
		{"persistence", Persistence("op", "duplicate", nil), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.terminal, IsTerminal(fmt.Errorf("wrapped: %w", tc.err)))
		})
	}
}

func TestErrorMessageIncludesOpAndCause(t *testing.T) {
	err := External("generation.hooks", "provider failed", errors.New("503"), false)
	assert.Equal(t, "generation.hooks: external_service: provider failed: 503", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
