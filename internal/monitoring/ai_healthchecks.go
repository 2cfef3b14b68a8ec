package monitoring

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// HealthChecker is anything that can prove a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// MonitorHealth polls checker every interval, stores the result in healthy
// and calls onChange when the state flips. It returns when ctx is done.
func MonitorHealth(ctx context.Context, name string, checker HealthChecker, interval time.Duration, healthy *atomic.Bool, onChange func(bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := checker.HealthCheck(checkCtx)
			cancel()

			isHealthy := err == nil
			if healthy.Swap(isHealthy) != isHealthy {
				if isHealthy {
					slog.Info("[HealthCheck] Dependency is healthy again", slog.String("dependency", name))
				} else {
					slog.Warn("[HealthCheck] Dependency is unhealthy",
						slog.String("dependency", name),
						slog.String("error", err.Error()))
				}
				if onChange != nil {
					onChange(isHealthy)
				}
			}
		}
	}
}
