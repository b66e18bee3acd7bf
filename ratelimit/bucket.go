package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket admits calls against a continuously refilling bucket: refill
// rate is capacity/window, capped at capacity. Built on golang.org/x/time/rate
// with explicit timestamps so behavior is deterministic under test. A delayed
// reservation is cancelled immediately — a call told to wait consumes nothing.
// Because the bucket starts full and refills continuously, draining it after
// an idle stretch can admit up to twice capacity within one trailing window;
// the strict per-interval cap holds only in steady state.
type tokenBucket struct {
	lim *rate.Limiter
	cap int
}

func newTokenBucket(capacity int, window time.Duration) *tokenBucket {
	refill := rate.Limit(float64(capacity) / window.Seconds())
	return &tokenBucket{
		lim: rate.NewLimiter(refill, capacity),
		cap: capacity,
	}
}

func (t *tokenBucket) reserveAt(now time.Time) time.Duration {
	r := t.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}

func (t *tokenBucket) remainingAt(now time.Time) int {
	tokens := t.lim.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

func (t *tokenBucket) capacity() int { return t.cap }
