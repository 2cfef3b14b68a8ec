package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOOKS_PER_BATCH", "")
	t.Setenv("JOB_STALL_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, 10, cfg.Pipeline.HooksPerBatch)
	assert.Equal(t, 5*time.Minute, cfg.Workers.StallTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.CacheTTL)
	assert.Equal(t, []string{"linkedin"}, cfg.Pipeline.Platforms)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HOOKS_PER_BATCH", "6")
	t.Setenv("POST_PLATFORMS", "linkedin, twitter ,,")
	t.Setenv("ANALYTICS_DELAY", "90m")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("PUBLISH_WORKERS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 6, cfg.Pipeline.HooksPerBatch)
	assert.Equal(t, []string{"linkedin", "twitter"}, cfg.Pipeline.Platforms)
	assert.Equal(t, 90*time.Minute, cfg.Pipeline.AnalyticsDelay)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 3, cfg.Workers.PublishConcurrency)
	require.Len(t, cfg.Platforms, 2)
	assert.Equal(t, "twitter", cfg.Platforms[1].Name)
	assert.Equal(t, "https://api.twitter.com", cfg.Platforms[1].BaseURL)
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable", MaxConns: 4}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable&pool_max_conns=4", p.DSN())
}
