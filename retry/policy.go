// Package retry wraps single operations with bounded re-execution and
// backoff. The delay schedule is computed per attempt from an immutable
// Policy; which failures are worth retrying is decided by a classification
// function, defaulting to the apierr taxonomy.
package retry

import (
	"math"
	"time"

	"github.com/dskow/findata-core/apierr"
)

// Backoff selects the delay schedule between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffFibonacci   Backoff = "fibonacci"
	BackoffAdaptive    Backoff = "adaptive"
)

// Policy is an immutable retry configuration. Delays are computed, not
// stored, per attempt.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Multiplier  float64 // exponential growth factor; also used by adaptive
}

// Validate checks the policy, failing fast before any attempt is made.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return &apierr.ConfigError{Field: "retry.max_attempts", Message: "must be positive"}
	}
	if p.BaseDelay < 0 {
		return &apierr.ConfigError{Field: "retry.base_delay", Message: "must be non-negative"}
	}
	if p.MaxDelay < 0 {
		return &apierr.ConfigError{Field: "retry.max_delay", Message: "must be non-negative"}
	}
	switch p.Backoff {
	case BackoffFixed, BackoffLinear, BackoffFibonacci:
	case BackoffExponential, BackoffAdaptive:
		if p.Multiplier <= 1 {
			return &apierr.ConfigError{Field: "retry.multiplier", Message: "must be greater than 1 for exponential and adaptive backoff"}
		}
	default:
		return &apierr.ConfigError{Field: "retry.backoff", Message: "must be fixed, linear, exponential, fibonacci, or adaptive"}
	}
	return nil
}

// delayFor computes the backoff before attempt k (k >= 2), ignoring jitter.
// failureRate in [0,1] scales adaptive delays: a client observing mostly
// failures backs off harder than one seeing a one-off blip. Every result is
// clamped to [0, MaxDelay].
func (p Policy) delayFor(attempt int, failureRate float64) time.Duration {
	base := float64(p.BaseDelay)

	var d float64
	switch p.Backoff {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * float64(attempt)
	case BackoffExponential:
		d = base * math.Pow(p.Multiplier, float64(attempt-1))
	case BackoffFibonacci:
		d = base * float64(fib(attempt))
	case BackoffAdaptive:
		d = base * math.Pow(p.Multiplier, float64(attempt-1)) * (0.5 + failureRate)
	}

	return clamp(d, p.MaxDelay)
}

// clamp bounds a computed delay to [0, max]. Also guards against float
// overflow from large exponents.
func clamp(d float64, max time.Duration) time.Duration {
	if d < 0 || math.IsInf(d, 1) || d > float64(max) {
		if d < 0 {
			return 0
		}
		return max
	}
	return time.Duration(d)
}

// fib returns the k-th Fibonacci number (fib(1) = fib(2) = 1), saturating
// well before time.Duration overflows.
func fib(k int) int64 {
	const saturate = int64(1) << 40
	a, b := int64(1), int64(1)
	for i := 3; i <= k; i++ {
		a, b = b, a+b
		if b > saturate {
			return saturate
		}
	}
	return b
}
