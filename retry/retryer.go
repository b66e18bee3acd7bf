package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

// outcomeWindow is how many recent results feed the adaptive failure rate.
const outcomeWindow = 20

// ExhaustedError is returned when every attempt failed. It wraps the last
// observed error unchanged, so errors.Is/As still see the underlying kind.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retryer executes operations under a Policy. One Retryer is shared across
// all calls of a client; it owns the jitter source and the recent-outcome
// window that drives adaptive backoff. Safe for concurrent use.
type Retryer struct {
	mu       sync.Mutex
	classify func(error) bool // retryable?
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
	outcomes []bool // ring of recent failures (true = failed)
	next     int
	filled   int
	logger   *slog.Logger
}

// New creates a Retryer. classify decides whether an error is retryable; nil
// selects the default taxonomy classification (apierr.Retryable) — an open
// circuit is fatal there, so a rejected call never consumes backoff sleeps.
func New(classify func(error) bool, logger *slog.Logger) *Retryer {
	if classify == nil {
		classify = apierr.Retryable
	}
	return &Retryer{
		classify: classify,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
		outcomes: make([]bool, outcomeWindow),
		logger:   logger,
	}
}

// Do runs op up to policy.MaxAttempts times. Fatal (non-retryable) errors are
// returned as-is on first occurrence. When attempts are exhausted, the last
// retryable error is wrapped in *ExhaustedError with the attempt count and
// cumulative elapsed time.
func (r *Retryer) Do(ctx context.Context, service string, policy Policy, op func(context.Context) error) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := r.nextDelay(policy, attempt, lastErr)
			r.logger.Warn("retrying operation",
				"service", service,
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"delay", d,
				"error", lastErr,
			)
			metrics.RetriesTotal.WithLabelValues(service).Inc()
			if err := r.sleep(ctx, d); err != nil {
				return err
			}
		}

		err := op(ctx)
		r.observe(err != nil)
		if err == nil {
			return nil
		}
		if !r.classify(err) {
			// Fatal: fail fast, never mask the error kind.
			return err
		}
		lastErr = err
	}

	metrics.RetriesExhausted.WithLabelValues(service).Inc()
	return &ExhaustedError{
		Attempts: policy.MaxAttempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// nextDelay computes the backoff before the given attempt, applying jitter
// when the policy asks for it. A throttling service's Retry-After hint acts
// as a floor: we never re-hit the service sooner than it asked for, though
// the hint still respects MaxDelay.
func (r *Retryer) nextDelay(policy Policy, attempt int, lastErr error) time.Duration {
	d := policy.delayFor(attempt, r.failureRate())
	if policy.Jitter && d > 0 {
		r.mu.Lock()
		// Uniform factor in [0.5, 1.0) de-synchronizes retries across clients.
		d = time.Duration(float64(d) * (0.5 + 0.5*r.rng.Float64()))
		r.mu.Unlock()
	}
	var rl *apierr.RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			d = policy.MaxDelay
		}
	}
	return d
}

// observe records one outcome in the ring that feeds the adaptive failure rate.
func (r *Retryer) observe(failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[r.next] = failed
	r.next = (r.next + 1) % len(r.outcomes)
	if r.filled < len(r.outcomes) {
		r.filled++
	}
}

// failureRate returns the fraction of recent outcomes that failed, in [0,1].
func (r *Retryer) failureRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < r.filled; i++ {
		if r.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(r.filled)
}

// sleepCtx blocks for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
