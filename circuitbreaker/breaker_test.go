package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

func init() {
	metrics.Init()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock for deterministic transition tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	b, err := New("quote", cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	clk := newFakeClock()
	b.now = clk.now
	return b, clk
}

var errServer = &apierr.ServerError{Op: "quote", Status: 503}

func fail() error    { return errServer }
func succeed() error { return nil }

func TestBreakerEndToEndRecoveryScenario(t *testing.T) {
	b, clk := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	})

	// Three consecutive failures open the circuit.
	for i := 0; i < 3; i++ {
		if err := b.Do(fail); !errors.Is(err, errServer) {
			t.Fatalf("call %d: got %v, want the operation error", i+1, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 3 failures state = %v, want open", got)
	}

	// 1s later the breaker still rejects without invoking the operation.
	clk.advance(1 * time.Second)
	called := false
	err := b.Do(func() error { called = true; return nil })
	var openErr *apierr.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	if called {
		t.Fatal("operation must not run while the circuit is open")
	}
	if openErr.RetryIn != 4*time.Second {
		t.Fatalf("RetryIn = %v, want 4s", openErr.RetryIn)
	}

	// After the recovery timeout a probe is allowed (half-open).
	clk.advance(5 * time.Second) // 6s after last failure
	if err := b.Do(succeed); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("after 1 probe success state = %v, want half-open", got)
	}

	// Second consecutive success closes the circuit.
	if err := b.Do(succeed); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 2 probe successes state = %v, want closed", got)
	}

	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("closed breaker should have 0 consecutive failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	})

	b.Do(fail)
	b.Do(fail)
	b.Do(succeed)
	b.Do(fail)
	b.Do(fail)

	// 2 failures, success, 2 failures: never 3 consecutive, stays closed.
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerNeutralErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	})

	badInput := &apierr.ValidationError{Op: "quote", Message: "malformed"}
	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { return badInput }); !errors.Is(err, badInput) {
			t.Fatalf("got %v, want the validation error", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("validation errors tripped the breaker: state = %v", got)
	}

	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("neutral errors must not count as failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerCustomTripClassifier(t *testing.T) {
	tripAll := func(error) bool { return true }
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
		TripClassifier:   tripAll,
	})

	b.Do(func() error { return errors.New("anything") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("custom classifier should trip on any error: state = %v", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	})

	b.Do(fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	clk.advance(6 * time.Second)
	if err := b.Do(fail); !errors.Is(err, errServer) {
		t.Fatalf("probe: got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("failed probe should reopen: state = %v", got)
	}

	// The reopened breaker starts a fresh recovery timeout from the probe failure.
	clk.advance(1 * time.Second)
	err := b.Do(succeed)
	var openErr *apierr.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
}

func TestBreakerHalfOpenProbeCap(t *testing.T) {
	b, clk := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	})

	b.Do(fail)
	clk.advance(2 * time.Second)

	// While the first probe is in flight, a second call must be rejected.
	err := b.Do(func() error {
		inner := b.Do(succeed)
		var openErr *apierr.CircuitOpenError
		if !errors.As(inner, &openErr) {
			t.Fatalf("concurrent probe: got %v, want CircuitOpenError", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}

func TestBreakerDoWithFallback(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	})
	b.Do(fail) // open

	fallbackSeen := error(nil)
	err := b.DoWithFallback(succeed, func(cause error) error {
		fallbackSeen = cause
		return nil
	})
	if err != nil {
		t.Fatalf("fallback result should be returned, got %v", err)
	}
	var openErr *apierr.CircuitOpenError
	if !errors.As(fallbackSeen, &openErr) {
		t.Fatalf("fallback cause = %v, want CircuitOpenError", fallbackSeen)
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	})
	b.Do(fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if err := b.Do(succeed); err != nil {
		t.Fatalf("call after reset failed: %v", err)
	}
}

func TestBreakerConfigValidation(t *testing.T) {
	bad := []Config{
		{FailureThreshold: 0, RecoveryTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 1},
		{FailureThreshold: 1, RecoveryTimeout: 0, SuccessThreshold: 1, HalfOpenMax: 1},
		{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 0, HalfOpenMax: 1},
		{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 0},
	}
	for i, cfg := range bad {
		if _, err := New("quote", cfg, nil, testLogger()); apierr.CodeOf(err) != apierr.CodeConfig {
			t.Errorf("config %d: got %v, want ConfigError", i, err)
		}
	}
}

func TestBreakerConcurrentCalls(t *testing.T) {
	b, _ := newTestBreaker(t, Config{
		FailureThreshold: 1000,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if n%2 == 0 {
					b.Do(succeed)
				} else {
					b.Do(fail)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := b.State(); got != StateClosed {
		t.Fatalf("threshold never reached, state = %v, want closed", got)
	}
}

// memStore is an in-memory StateStore that signals saves for synchronization.
type memStore struct {
	mu    sync.Mutex
	data  map[string]PersistedState
	ttls  map[string]time.Duration
	saved chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		data:  make(map[string]PersistedState),
		ttls:  make(map[string]time.Duration),
		saved: make(chan struct{}, 64),
	}
}

func (s *memStore) Load(_ context.Context, service string) (*PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[service]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memStore) Save(_ context.Context, service string, st PersistedState, ttl time.Duration) error {
	s.mu.Lock()
	s.data[service] = st
	s.ttls[service] = ttl
	s.mu.Unlock()
	s.saved <- struct{}{}
	return nil
}

func (s *memStore) waitForSave(t *testing.T) {
	t.Helper()
	select {
	case <-s.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state save")
	}
}

func TestBreakerPersistsStateWithDoubleRecoveryTTL(t *testing.T) {
	store := newMemStore()
	cfg := Config{
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
		SuccessThreshold: 1,
		HalfOpenMax:      1,
	}
	b, err := New("quote", cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	b.Do(fail)
	store.waitForSave(t)

	store.mu.Lock()
	st, ttl := store.data["quote"], store.ttls["quote"]
	store.mu.Unlock()

	if st.State != StateOpen {
		t.Fatalf("persisted state = %v, want open", st.State)
	}
	if ttl != 10*time.Second {
		t.Fatalf("ttl = %v, want 2x recovery timeout (10s)", ttl)
	}
}
