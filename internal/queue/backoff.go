package queue

import "time"

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

const maxBackoff = time.Hour

// Backoff computes the wait before the next attempt of a failed job.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

func Fixed(d time.Duration) Backoff       { return Backoff{Type: BackoffFixed, Delay: d} }
func Exponential(d time.Duration) Backoff { return Backoff{Type: BackoffExponential, Delay: d} }

// Next returns the delay after the given 1-based attempt failed.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return min(b.Delay, maxBackoff)
	}

	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (b Backoff) IsZero() bool { return b.Delay == 0 && b.Type == "" }
