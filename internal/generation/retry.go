package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/spacesedan/hookflow/internal/apperr"
)

// withRetry runs fn with per-attempt timeouts. Delays grow 1x, 2x ... of
// RetryDelay; terminal errors end the loop at once.
func withRetry[T any](ctx context.Context, cfg Config, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(cfg.MaxAttempts, 1)

	builder := retrypolicy.NewBuilder[T]().
		WithMaxRetries(attempts - 1).
		AbortIf(func(_ T, err error) bool { return apperr.IsTerminal(err) }).
		ReturnLastFailure()
	if cfg.RetryDelay > 0 {
		builder = builder.WithBackoff(cfg.RetryDelay, cfg.RetryDelay*time.Duration(max(attempts-1, 2)))
	}

	attempt := 0
	return failsafe.With[T](builder.Build()).WithContext(ctx).Get(func() (T, error) {
		attempt++
		callCtx := ctx
		if cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
			defer cancel()
		}

		out, err := fn(callCtx)
		if err != nil {
			slog.Warn("[Generation] Call failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.Bool("terminal", apperr.IsTerminal(err)),
				slog.String("error", err.Error()))
		}
		return out, err
	})
}
