// Package cache memoizes expensive generation results in Valkey, keyed by a
// fingerprint of their inputs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/spacesedan/hookflow/internal/clients"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/singleflight"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type ValkeyCache struct {
	vc     *clients.ValkeyClient
	prefix string
}

func NewValkeyCache(vc *clients.ValkeyClient, prefix string) *ValkeyCache {
	return &ValkeyCache{vc: vc, prefix: prefix}
}

func (c *ValkeyCache) key(k string) string {
	if c.prefix == "" {
		return "cache:" + k
	}
	return c.prefix + ":cache:" + k
}

func (c *ValkeyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res := c.vc.DoWithRetry(ctx, func(v valkey.Client) valkey.Completed {
		return v.B().Get().Key(c.key(key)).Build()
	}, clients.VALKEY_RETRIES)

	data, err := res.AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.vc.DoWithRetry(ctx, func(v valkey.Client) valkey.Completed {
		return v.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	}, clients.VALKEY_RETRIES).Error()
}

// Fingerprint hashes parts into a stable key. Whitespace runs are collapsed
// and case folded so cosmetic edits to the same content still hit.
func Fingerprint(stage string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(p), " "))))
	}
	return stage + ":" + hex.EncodeToString(h.Sum(nil))
}

// Memo reads through a Cache and collapses concurrent misses for the same
// key. Cache failures are logged and treated as misses.
type Memo struct {
	cache Cache
	group singleflight.Group
	ttl   time.Duration
}

func NewMemo(c Cache, ttl time.Duration) *Memo {
	return &Memo{cache: c, ttl: ttl}
}

// Do returns the cached value for key or computes it with fn. Only one fn
// call per key is in flight at a time within this process.
func Do[T any](ctx context.Context, m *Memo, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if m == nil || m.cache == nil {
		return fn(ctx)
	}

	if v, ok := m.lookup(ctx, key, new(T)); ok {
		return *v.(*T), nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if cached, ok := m.lookup(ctx, key, new(T)); ok {
			return *cached.(*T), nil
		}

		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		if data, mErr := json.Marshal(out); mErr == nil {
			if sErr := m.cache.Set(ctx, key, data, m.ttl); sErr != nil {
				slog.Warn("[Cache] Failed to store result",
					slog.String("key", key),
					slog.String("error", sErr.Error()))
			}
		}
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (m *Memo) lookup(ctx context.Context, key string, dst any) (any, bool) {
	data, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("[Cache] Lookup failed, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("[Cache] Discarding undecodable entry",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return nil, false
	}
	return dst, true
}
