package engine

import (
	"context"
	"math"
	"time"
)

// backoffDelay computes the sleep before retry attempt k+1 (0-indexed k):
// min(maxBackoffMs, backoffMs * multiplier^k).
func backoffDelay(r RetryConfig, attempt int) time.Duration {
	ms := float64(r.BackoffMs) * math.Pow(r.BackoffMultiplier, float64(attempt))
	if r.MaxBackoffMs > 0 && ms > float64(r.MaxBackoffMs) {
		ms = float64(r.MaxBackoffMs)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// sleepCtx sleeps for d, waking early and returning false if ctx is
// canceled first — the interruptible suspension every delay and retry
// backoff in the engine honors.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
