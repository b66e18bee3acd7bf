package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
)

// Registry owns one Breaker per service name, created lazily on first use and
// shared across all callers for the life of the client. Tests construct
// isolated registries instead of relying on package-level state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	store    StateStore // optional; nil means in-memory only
	logger   *slog.Logger
}

// NewRegistry validates the default breaker configuration and returns an
// empty registry. store may be nil.
func NewRegistry(cfg Config, store StateStore, logger *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		store:    store,
		logger:   logger,
	}, nil
}

// GetOrCreate returns the breaker for the given service name, creating it on
// first use. When a state store is configured, previously persisted state is
// restored so the breaker resumes where the last process left off.
func (r *Registry) GetOrCreate(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok = r.breakers[service]; ok {
		return b
	}

	// cfg was validated at registry construction; New cannot fail here.
	b, _ = New(service, r.cfg, r.store, r.logger)

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		ps, err := r.store.Load(ctx, service)
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("breaker state restore failed, starting closed",
				"service", service, "error", err)
		case ps != nil:
			b.restore(ps)
			r.logger.Info("breaker state restored",
				"service", service, "state", ps.State.String())
		}
	}

	r.breakers[service] = b
	return b
}

// Snapshots returns a diagnostic view of every breaker in the registry.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll forces every breaker back to closed. Used by operators after a
// known upstream incident has been resolved.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
