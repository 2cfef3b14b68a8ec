package clients

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spacesedan/hookflow/config"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	Client *openai.Client
}

func NewOpenAIClient(cfg config.OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("[OpenAIClient] missing OPENAI_API_KEY")
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	slog.Info("[OpenAIClient] OpenAI client initialized with custom HTTP timeout",
		slog.Duration("timeout", cfg.Timeout))

	return &OpenAIClient{Client: openai.NewClientWithConfig(oc)}, nil
}

// HealthCheck lists models as a cheap authenticated round trip.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := c.Client.ListModels(ctx)
	return err
}
