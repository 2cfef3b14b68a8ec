package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spacesedan/hookflow/config"
	"github.com/valkey-io/valkey-go"
)

// ValkeyClient wraps a valkey.Client so it can be recreated after the
// connection drops. Callers read the live client through Valkey().
type ValkeyClient struct {
	client valkey.Client
	opts   valkey.ClientOption
	mu     sync.RWMutex
}

func valkeyOptions(cfg config.ValkeyConfig) valkey.ClientOption {
	opts := valkey.ClientOption{
		InitAddress: []string{
			cfg.Address,
		},
		Password:         cfg.Password,
		ConnWriteTimeout: 5 * time.Second,
		SelectDB:         0,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: false}
	}
	return opts
}

func NewValkeyClient(ctx context.Context, cfg config.ValkeyConfig) (*ValkeyClient, error) {
	return NewValkeyClientWithOptions(ctx, valkeyOptions(cfg))
}

// NewValkeyClientWithOptions connects with explicit options and pings once.
func NewValkeyClientWithOptions(ctx context.Context, opts valkey.ClientOption) (*ValkeyClient, error) {
	client, err := dialValkey(ctx, opts)
	if err != nil {
		return nil, err
	}

	slog.Info("[ValkeyClient] Successfully connected to valkey",
		slog.Any("address", opts.InitAddress))

	return &ValkeyClient{client: client, opts: opts}, nil
}

func dialValkey(ctx context.Context, opts valkey.ClientOption) (valkey.Client, error) {
	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("[ValkeyClient] failed to create Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("[ValkeyClient] failed to ping Valkey: %w", err)
	}
	return client, nil
}

// Valkey returns the current underlying client.
func (vc *ValkeyClient) Valkey() valkey.Client {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.client
}

func (vc *ValkeyClient) recreateClient() {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	slog.Warn("[ValkeyClient] Attempting to recreate Valkey client...")

	client, err := dialValkey(context.Background(), vc.opts)
	if err != nil {
		slog.Error("[ValkeyClient] Recreate failed, keeping previous client",
			slog.String("error", err.Error()))
		return
	}

	vc.client.Close()
	vc.client = client
	slog.Info("[ValkeyClient] Successfully reconnected to valkey")
}

func (vc *ValkeyClient) Close() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.client != nil {
		vc.client.Close()
	}
}

// Ping is used by health checks.
func (vc *ValkeyClient) Ping(ctx context.Context) error {
	c := vc.Valkey()
	return c.Do(ctx, c.B().Ping().Build()).Error()
}

func (vc *ValkeyClient) DoMultiWithRetry(ctx context.Context, build func(c valkey.Client) []valkey.Completed, retries int) []valkey.ValkeyResult {
	var results []valkey.ValkeyResult

	for i := 0; i < retries; i++ {
		c := vc.Valkey()
		results = c.DoMulti(ctx, build(c)...)
		hasErr := false
		for _, r := range results {
			if err := r.Error(); err != nil && !valkey.IsValkeyNil(err) {
				hasErr = true
				slog.Warn("[ValkeyClient] Do Multi failed",
					slog.Int("attempt", i+1),
					slog.String("error", err.Error()))
				if isConnectionError(err) {
					vc.recreateClient()
				}
				break
			}
		}
		if !hasErr || !sleepCtx(ctx, VALKEY_RETRY_GAP) {
			break
		}
	}

	return results
}

// DoWithRetry rebuilds the command on every attempt since a Completed
// command may only be issued once.
func (vc *ValkeyClient) DoWithRetry(ctx context.Context, build func(c valkey.Client) valkey.Completed, retries int) valkey.ValkeyResult {
	var result valkey.ValkeyResult
	for i := 0; i < retries; i++ {
		c := vc.Valkey()
		result = c.Do(ctx, build(c))
		err := result.Error()
		if err == nil || valkey.IsValkeyNil(err) {
			break
		}

		slog.Warn("[ValkeyClient] Do failed",
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()))

		if isConnectionError(err) {
			vc.recreateClient()
		}
		if !sleepCtx(ctx, VALKEY_RETRY_GAP) {
			break
		}
	}

	return result
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "i/o timeout")
}
