// Package generation turns content into scored hooks, platform posts and
// images by calling a generative text/image capability.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spacesedan/hookflow/internal/apperr"
	openai "github.com/sashabaranov/go-openai"
)

type TextRequest struct {
	System      string
	Prompt      string
	Model       string
	Temperature float32
	MaxTokens   int
	JSON        bool
}

type ImageRequest struct {
	Prompt string
	Model  string
	Size   string
}

// Generator is the black-box generative capability.
type Generator interface {
	CompleteText(ctx context.Context, req TextRequest) (string, error)
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
}

type OpenAIGenerator struct {
	client *openai.Client
}

func NewOpenAIGenerator(client *openai.Client) *OpenAIGenerator {
	return &OpenAIGenerator{client: client}
}

func (g *OpenAIGenerator) CompleteText(ctx context.Context, req TextRequest) (string, error) {
	creq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", classifyOpenAIError("generation.text", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.External("generation.text", "no choices returned", nil, false)
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *OpenAIGenerator) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		Size:           req.Size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", classifyOpenAIError("generation.image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", apperr.External("generation.image", "no image returned", nil, false)
	}
	return resp.Data[0].URL, nil
}

// classifyOpenAIError maps provider failures onto retryable and terminal
// kinds. Billing, auth and content-policy failures are terminal.
func classifyOpenAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.External(op, "request timed out", err, false)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := strings.ToLower(fmt.Sprint(apiErr.Code))
		typ := strings.ToLower(apiErr.Type)
		switch {
		case code == "insufficient_quota" || typ == "insufficient_quota" || strings.Contains(code, "billing"):
			return apperr.External(op, "billing limit reached", err, true)
		case code == "content_policy_violation" || strings.Contains(typ, "content_policy"):
			return apperr.External(op, "rejected by content policy", err, true)
		}
		return classifyStatus(op, apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(op, reqErr.HTTPStatusCode, err)
	}

	return apperr.External(op, "provider request failed", err, false)
}

func classifyStatus(op string, status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Unauthorized(op, "provider rejected credentials", err)
	case status == http.StatusPaymentRequired:
		return apperr.External(op, "billing limit reached", err, true)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimit(op, "provider rate limited", err)
	case status == http.StatusBadRequest:
		return apperr.External(op, "provider rejected request", err, true)
	default:
		return apperr.External(op, fmt.Sprintf("provider returned %d", status), err, false)
	}
}
