package retry

import (
	"testing"
	"time"

	"github.com/dskow/findata-core/apierr"
)

func TestFixedBackoffIsConstant(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: BackoffFixed, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Minute}
	for k := 2; k <= 5; k++ {
		if d := p.delayFor(k, 0); d != 200*time.Millisecond {
			t.Fatalf("attempt %d: delay = %v, want 200ms", k, d)
		}
	}
}

func TestLinearBackoffIsMonotonic(t *testing.T) {
	p := Policy{MaxAttempts: 6, Backoff: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}
	prev := time.Duration(0)
	for k := 2; k <= 6; k++ {
		d := p.delayFor(k, 0)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", k, d, prev)
		}
		if d < 0 || d > p.MaxDelay {
			t.Fatalf("attempt %d: delay %v outside [0, %v]", k, d, p.MaxDelay)
		}
		prev = d
	}
}

func TestExponentialBackoffSequence(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}
	want := []time.Duration{
		200 * time.Millisecond, // attempt 2: base * 2^1
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, k := range []int{2, 3, 4} {
		if d := p.delayFor(k, 0); d != want[i] {
			t.Fatalf("attempt %d: delay = %v, want %v", k, d, want[i])
		}
	}
}

func TestFibonacciBackoffSequence(t *testing.T) {
	base := 100 * time.Millisecond
	p := Policy{MaxAttempts: 7, Backoff: BackoffFibonacci, BaseDelay: base, MaxDelay: time.Minute}
	want := map[int]time.Duration{
		2: 1 * base,
		3: 2 * base,
		4: 3 * base,
		5: 5 * base,
		6: 8 * base,
	}
	for k, w := range want {
		if d := p.delayFor(k, 0); d != w {
			t.Fatalf("attempt %d: delay = %v, want %v", k, d, w)
		}
	}
}

func TestAdaptiveBackoffScalesWithFailureRate(t *testing.T) {
	p := Policy{MaxAttempts: 5, Backoff: BackoffAdaptive, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 2}

	// Scale factor is 0.5 + failureRate: 0.5x when calm, 1.5x when every
	// recent call failed, pure exponential at a 50% failure rate.
	calm := p.delayFor(3, 0)
	stormy := p.delayFor(3, 1)
	neutral := p.delayFor(3, 0.5)

	if calm != 200*time.Millisecond {
		t.Fatalf("calm delay = %v, want 200ms", calm)
	}
	if stormy != 600*time.Millisecond {
		t.Fatalf("stormy delay = %v, want 600ms", stormy)
	}
	if neutral != 400*time.Millisecond {
		t.Fatalf("neutral delay = %v, want 400ms (pure exponential)", neutral)
	}
}

func TestDelayClampedToMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 100, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	for _, k := range []int{10, 50, 100, 500} {
		if d := p.delayFor(k, 0); d != 30*time.Second {
			t.Fatalf("attempt %d: delay = %v, want clamped 30s", k, d)
		}
	}

	// Fibonacci saturates without overflowing.
	fp := Policy{MaxAttempts: 200, Backoff: BackoffFibonacci, BaseDelay: time.Second, MaxDelay: time.Minute}
	if d := fp.delayFor(200, 0); d != time.Minute {
		t.Fatalf("fib attempt 200: delay = %v, want clamped 1m", d)
	}
}

func TestPolicyValidation(t *testing.T) {
	valid := Policy{MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	bad := []Policy{
		{MaxAttempts: 0, Backoff: BackoffFixed, BaseDelay: time.Second, MaxDelay: time.Minute},
		{MaxAttempts: 3, Backoff: "quadratic", BaseDelay: time.Second, MaxDelay: time.Minute},
		{MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 1},
		{MaxAttempts: 3, Backoff: BackoffAdaptive, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 0.5},
		{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: -time.Second, MaxDelay: time.Minute},
	}
	for i, p := range bad {
		if err := p.Validate(); apierr.CodeOf(err) != apierr.CodeConfig {
			t.Errorf("policy %d: got %v, want ConfigError", i, err)
		}
	}
}
