package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spacesedan/hookflow/config"
	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/clients"
	"golang.org/x/oauth2"
)

const maxErrorBody = 2048

// HTTPPlatform speaks a small JSON API: POST {base}/posts publishes and
// GET {base}/posts/{id}/metrics returns engagement counters.
type HTTPPlatform struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPPlatform(api config.PlatformAPIConfig) *HTTPPlatform {
	return &HTTPPlatform{
		name:    api.Name,
		baseURL: strings.TrimRight(api.BaseURL, "/"),
		client:  &http.Client{Timeout: clients.HTTP_TIMEOUT},
	}
}

func (p *HTTPPlatform) Name() string { return p.name }

func (p *HTTPPlatform) Publish(ctx context.Context, token *oauth2.Token, req PublishRequest) (PublishResult, error) {
	var res PublishResult
	err := p.do(ctx, token, http.MethodPost, p.baseURL+"/posts", req, &res, "platform.Publish")
	if err == nil && res.RemoteID == "" {
		return res, apperr.External("platform.Publish", p.name+" returned no post id", nil, false)
	}
	return res, err
}

func (p *HTTPPlatform) FetchAnalytics(ctx context.Context, token *oauth2.Token, remoteID string) (Metrics, error) {
	var m Metrics
	endpoint := p.baseURL + "/posts/" + url.PathEscape(remoteID) + "/metrics"
	err := p.do(ctx, token, http.MethodGet, endpoint, nil, &m, "platform.FetchAnalytics")
	return m, err
}

func (p *HTTPPlatform) do(ctx context.Context, token *oauth2.Token, method, endpoint string, body, out any, op string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Validation(op, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperr.Validation(op, "build request: %v", err)
	}
	req.Header.Set("User-Agent", clients.USER_AGENT)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token.SetAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apperr.External(op, fmt.Sprintf("%s request failed", p.name), err, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ClassifyStatus(op, resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.External(op, p.name+" returned an unreadable body", err, false)
	}
	return nil
}
