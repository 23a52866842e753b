package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays: Base * 2^attempt, capped at Max,
// plus up to half of that again as random jitter when Jitter is set.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt))
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	if b.Jitter && d > 1 {
		// Spread retries so failing siblings do not wake up together.
		d += time.Duration(rand.Int64N(int64(d / 2)))
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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
