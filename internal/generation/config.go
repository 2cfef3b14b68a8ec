package generation

import (
	"time"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/cache"
)

// Config is passed explicitly to every stage.
type Config struct {
	TextModel     string
	ImageModel    string
	ImageSize     string
	HooksPerBatch int
	Platforms     []string
	CallTimeout   time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TextModel:     "gpt-4o-mini",
		ImageModel:    "dall-e-3",
		ImageSize:     "1024x1024",
		HooksPerBatch: 10,
		Platforms:     []string{"linkedin"},
		CallTimeout:   60 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
	}
}

// ConfigFrom overlays process configuration on the defaults.
func ConfigFrom(cfg config.Config) Config {
	c := DefaultConfig()
	if cfg.OpenAI.TextModel != "" {
		c.TextModel = cfg.OpenAI.TextModel
	}
	if cfg.OpenAI.ImageModel != "" {
		c.ImageModel = cfg.OpenAI.ImageModel
	}
	if cfg.OpenAI.ImageSize != "" {
		c.ImageSize = cfg.OpenAI.ImageSize
	}
	if cfg.OpenAI.Timeout > 0 {
		c.CallTimeout = cfg.OpenAI.Timeout
	}
	if cfg.Pipeline.HooksPerBatch > 0 {
		c.HooksPerBatch = cfg.Pipeline.HooksPerBatch
	}
	if len(cfg.Pipeline.Platforms) > 0 {
		c.Platforms = cfg.Pipeline.Platforms
	}
	return c
}

// Deps are the collaborators every stage needs. A nil Memo disables caching.
type Deps struct {
	Generator Generator
	Memo      *cache.Memo
}
