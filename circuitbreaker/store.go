package circuitbreaker

import (
	"context"
	"time"
)

// PersistedState is the externally stored snapshot of a breaker, keyed by
// service name. It lets breaker decisions survive process restarts.
type PersistedState struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure"`
	LastSuccess          time.Time `json:"last_success"`
}

// StateStore is an optional key-value collaborator for breaker persistence.
// Load returns (nil, nil) when no state is stored for the service.
// Implementations must expire entries after the given TTL. Absence of a store
// is a valid, fully functional configuration (in-memory only).
type StateStore interface {
	Load(ctx context.Context, service string) (*PersistedState, error)
	Save(ctx context.Context, service string, st PersistedState, ttl time.Duration) error
}

// saveTimeout bounds a single best-effort persistence write.
const saveTimeout = 2 * time.Second

// persist writes the current state to the store, asynchronously so a slow or
// down store never blocks call admission. Best-effort: failures are logged,
// never surfaced. Must be called with b.mu held.
func (b *Breaker) persist() {
	if b.store == nil {
		return
	}

	st := PersistedState{
		State:                b.state,
		ConsecutiveFailures:  b.consecFailures,
		ConsecutiveSuccesses: b.consecSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
	}
	// TTL at least twice the recovery timeout so an open breaker is still
	// remembered when a restarted process first probes.
	ttl := 2 * b.cfg.RecoveryTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := b.store.Save(ctx, b.service, st, ttl); err != nil {
			b.logger.Warn("breaker state persistence failed", "service", b.service, "error", err)
		}
	}()
}
