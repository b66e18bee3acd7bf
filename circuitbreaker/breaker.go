// Package circuitbreaker guards calls to the remote financial-data service.
// One Breaker per logical service name tracks consecutive failures and stops
// calling a failing dependency until it is likely to have recovered.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings. TripClassifier decides whether a
// given error counts toward opening the breaker; nil means the default
// taxonomy classification (caller-input and auth errors never trip).
type Config struct {
	FailureThreshold int           // consecutive tripping failures before opening
	RecoveryTimeout  time.Duration // how long to stay open before probing
	SuccessThreshold int           // consecutive half-open successes before closing
	HalfOpenMax      int           // max concurrent probes while half-open
	TripClassifier   func(error) bool
}

// Validate checks the configuration, failing fast before any call is made.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return &apierr.ConfigError{Field: "circuit_breaker.failure_threshold", Message: "must be positive"}
	}
	if c.RecoveryTimeout <= 0 {
		return &apierr.ConfigError{Field: "circuit_breaker.recovery_timeout", Message: "must be positive"}
	}
	if c.SuccessThreshold < 1 {
		return &apierr.ConfigError{Field: "circuit_breaker.success_threshold", Message: "must be positive"}
	}
	if c.HalfOpenMax < 1 {
		return &apierr.ConfigError{Field: "circuit_breaker.half_open_max", Message: "must be positive"}
	}
	return nil
}

// Snapshot is a read-only view of breaker internals for health checks and
// dashboards. Never use it to decide whether to call Do — that is a
// read-then-act race; Do performs its own admission check atomically.
type Snapshot struct {
	Service              string    `json:"service"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastSuccess          time.Time `json:"last_success,omitempty"`
}

// Breaker is a per-service circuit breaker. All state mutation happens under
// the mutex; instances are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	service string
	cfg     Config
	logger  *slog.Logger
	store   StateStore // optional; nil means in-memory only
	now     func() time.Time

	state            State
	consecFailures   int
	consecSuccesses  int
	lastFailure      time.Time
	lastSuccess      time.Time
	halfOpenInFlight int
}

// New creates a Breaker for the given service name. store may be nil.
func New(service string, cfg Config, store StateStore, logger *slog.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TripClassifier == nil {
		cfg.TripClassifier = apierr.TripsBreaker
	}
	return &Breaker{
		service: service,
		cfg:     cfg,
		logger:  logger,
		store:   store,
		now:     time.Now,
		state:   StateClosed,
	}, nil
}

// Do executes op if the breaker admits the call. When the circuit is open and
// the recovery timeout has not elapsed, Do returns *apierr.CircuitOpenError
// without invoking op. The operation's own error is returned unchanged.
func (b *Breaker) Do(op func() error) error {
	if err := b.allow(); err != nil {
		metrics.CircuitOpenRejections.WithLabelValues(b.service).Inc()
		return err
	}

	err := op()
	b.record(err)
	return err
}

// DoWithFallback executes op through the breaker; if the call fails for any
// reason (including an open circuit), fallback is invoked with the error and
// its result is returned instead.
func (b *Breaker) DoWithFallback(op func() error, fallback func(error) error) error {
	err := b.Do(op)
	if err != nil && fallback != nil {
		return fallback(err)
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a diagnostic view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:              b.service,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecFailures,
		ConsecutiveSuccesses: b.consecSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// allow decides whether a call may proceed, transitioning Open → HalfOpen when
// the recovery timeout has elapsed. While half-open, at most HalfOpenMax
// probes run concurrently.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			return &apierr.CircuitOpenError{Service: b.service, RetryIn: b.cfg.RecoveryTimeout - elapsed}
		}
		b.transitionTo(StateHalfOpen)
		b.halfOpenInFlight = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return &apierr.CircuitOpenError{Service: b.service, RetryIn: 0}
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// record applies the outcome of a call. Errors the classifier rejects (e.g.
// caller input errors) are neutral: they neither trip the breaker nor count
// as recovery successes.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	switch {
	case err == nil:
		b.onSuccess()
	case b.cfg.TripClassifier(err):
		b.onFailure()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.lastSuccess = b.now()
	switch b.state {
	case StateClosed:
		b.consecFailures = 0
	case StateHalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
	b.persist()
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens immediately.
		b.transitionTo(StateOpen)
	}
	b.persist()
}

// transitionTo changes state, resets counters per the state invariants, and
// emits metrics and a log line. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.service, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.service).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"service", b.service,
		"from", from.String(),
		"to", newState.String(),
	)

	// Success counters reset on every transition; the failure counter resets
	// whenever the breaker closes.
	b.consecSuccesses = 0
	b.halfOpenInFlight = 0
	if newState == StateClosed {
		b.consecFailures = 0
	}
}

// restore adopts externally persisted state. Called once at creation, before
// the breaker is shared.
func (b *Breaker) restore(ps *PersistedState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = ps.State
	b.consecFailures = ps.ConsecutiveFailures
	b.consecSuccesses = ps.ConsecutiveSuccesses
	b.lastFailure = ps.LastFailure
	b.lastSuccess = ps.LastSuccess
	metrics.CircuitBreakerState.WithLabelValues(b.service).Set(float64(b.state))
}
