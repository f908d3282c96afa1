// Package backoff computes retry delays for page fetches, executor polling
// and job retries.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// Capped is Exponential bounded by limit. A non-positive limit disables the bound.
func Capped(base time.Duration, attempt int, limit time.Duration) time.Duration {
	d := Exponential(base, attempt)
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Jitter spreads delay by up to pct percent in either direction.
// pct is clamped to [0, 100].
func Jitter(delay time.Duration, pct int) time.Duration {
	if delay <= 0 || pct <= 0 {
		return delay
	}
	pct = min(pct, 100)

	spread := int64(delay) / 100 * int64(pct)
	if spread <= 0 {
		return delay
	}
	offset := rand.Int64N(2*spread+1) - spread
	return delay + time.Duration(offset)
}

// Sleep waits for d on clock, returning early with the context error.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
