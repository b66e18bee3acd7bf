package ratelimit

import (
	"log/slog"
	"sync"
)

// Registry owns one Limiter per category key, created lazily on first use and
// shared across all callers. Per-category overrides take precedence over the
// default configuration.
type Registry struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	def       Config
	overrides map[string]Config
	logger    *slog.Logger
}

// NewRegistry validates the default and every per-category override before
// returning an empty registry.
func NewRegistry(def Config, overrides map[string]Config, logger *slog.Logger) (*Registry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for _, cfg := range overrides {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &Registry{
		limiters:  make(map[string]*Limiter),
		def:       def,
		overrides: overrides,
		logger:    logger,
	}, nil
}

// GetOrCreate returns the limiter for the given category, creating it on
// first use.
func (r *Registry) GetOrCreate(category string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[category]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if l, ok = r.limiters[category]; ok {
		return l
	}

	cfg := r.def
	if override, ok := r.overrides[category]; ok {
		cfg = override
	}
	// Configs were validated at registry construction; New cannot fail here.
	l, _ = New(category, cfg, r.logger)
	r.limiters[category] = l
	return l
}

// UpdateConfig hot-swaps the default and override configurations. Existing
// limiters are cleared so the new limits take effect on the next call; their
// in-flight window state is intentionally discarded.
func (r *Registry) UpdateConfig(def Config, overrides map[string]Config) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, cfg := range overrides {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.def = def
	r.overrides = overrides
	r.limiters = make(map[string]*Limiter)
	r.logger.Info("rate limit configuration updated", "overrides", len(overrides))
	return nil
}

// Snapshots returns a diagnostic view of every limiter in the registry.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Snapshot())
	}
	return out
}
