// Package ratelimit provides per-category admission control for outbound
// calls to the remote financial-data service. Three interchangeable
// strategies — sliding window, fixed window, and token bucket — share one
// external contract: CheckAndReserve either admits the call now or returns
// how long to wait before asking again.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

// Strategy selects the admission algorithm.
type Strategy string

const (
	SlidingWindow Strategy = "sliding_window"
	FixedWindow   Strategy = "fixed_window"
	TokenBucket   Strategy = "token_bucket"
)

// Config holds rate limiter settings for one category. The effective capacity
// of every strategy is MaxRequests + Burst: admitted calls within any trailing
// window never exceed that sum.
type Config struct {
	MaxRequests int
	Window      time.Duration
	Strategy    Strategy
	Burst       int
	Disabled    bool
}

// Validate checks the configuration, failing fast at construction.
func (c Config) Validate() error {
	if c.Disabled {
		return nil
	}
	if c.MaxRequests < 1 {
		return &apierr.ConfigError{Field: "rate_limit.max_requests", Message: "must be positive"}
	}
	if c.Window <= 0 {
		return &apierr.ConfigError{Field: "rate_limit.window", Message: "must be positive"}
	}
	if c.Burst < 0 {
		return &apierr.ConfigError{Field: "rate_limit.burst", Message: "must be non-negative"}
	}
	switch c.Strategy {
	case SlidingWindow, FixedWindow, TokenBucket:
	default:
		return &apierr.ConfigError{Field: "rate_limit.strategy", Message: "must be sliding_window, fixed_window, or token_bucket"}
	}
	return nil
}

// strategy is the internal admission algorithm, selected once at construction
// (no string dispatch on the call path). reserveAt either admits and records
// the call at now (returns 0) or returns the wait before retrying, leaving
// state untouched. Implementations are not goroutine-safe; the Limiter
// serializes access.
type strategy interface {
	reserveAt(now time.Time) time.Duration
	remainingAt(now time.Time) int
	capacity() int
}

// Snapshot is a read-only diagnostic view of a limiter. Never use it to gate
// calls — CheckAndReserve performs the authoritative, atomic admission check.
type Snapshot struct {
	Category           string   `json:"category"`
	Strategy           Strategy `json:"strategy"`
	Disabled           bool     `json:"disabled"`
	Utilization        float64  `json:"utilization_pct"`
	Remaining          int      `json:"remaining"`
	AdmittedLastSecond int      `json:"admitted_last_second"`
}

// Limiter applies one admission strategy to one category of calls.
// Safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	category string
	cfg      Config
	strat    strategy
	logger   *slog.Logger
	now      func() time.Time

	// recent holds admission timestamps from the last second, for the
	// admitted-last-second diagnostic. Kept by the wrapper so all strategies
	// report it uniformly.
	recent []time.Time
}

// New creates a Limiter for the given category.
func New(category string, cfg Config, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		category: category,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.Disabled {
		return l, nil
	}

	cap := cfg.MaxRequests + cfg.Burst
	switch cfg.Strategy {
	case SlidingWindow:
		l.strat = newSlidingWindow(cap, cfg.Window)
	case FixedWindow:
		l.strat = newFixedWindow(cap, cfg.Window)
	case TokenBucket:
		l.strat = newTokenBucket(cap, cfg.Window)
	}
	return l, nil
}

// CheckAndReserve returns 0 when the call may proceed immediately (the
// admission is recorded) or the duration to wait before retrying (no state is
// consumed). A disabled limiter always returns 0 without mutating anything.
func (l *Limiter) CheckAndReserve() time.Duration {
	if l.cfg.Disabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.strat.reserveAt(now)
	if wait > 0 {
		metrics.RateLimitThrottled.WithLabelValues(l.category).Inc()
		return wait
	}

	l.recordAdmission(now)
	return 0
}

// Snapshot returns current utilization and capacity diagnostics.
func (l *Limiter) Snapshot() Snapshot {
	s := Snapshot{Category: l.category, Strategy: l.cfg.Strategy, Disabled: l.cfg.Disabled}
	if l.cfg.Disabled {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cap := l.strat.capacity()
	remaining := l.strat.remainingAt(now)
	s.Remaining = remaining
	if cap > 0 {
		s.Utilization = 100 * float64(cap-remaining) / float64(cap)
	}
	s.AdmittedLastSecond = l.admittedSince(now.Add(-time.Second))
	return s
}

// recordAdmission appends to the diagnostic ring, pruning entries older than
// one second. Must be called with l.mu held.
func (l *Limiter) recordAdmission(now time.Time) {
	cutoff := now.Add(-time.Second)
	kept := l.recent[:0]
	for _, t := range l.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.recent = append(kept, now)
}

// admittedSince counts diagnostic ring entries after cutoff. Must be called
// with l.mu held.
func (l *Limiter) admittedSince(cutoff time.Time) int {
	n := 0
	for _, t := range l.recent {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
