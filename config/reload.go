package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config file and reloads on changes.
// It supports fsnotify file watching (cross-platform) and SIGHUP
// (Unix only, registered in reload_unix.go).
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and, on Unix, wires
// SIGHUP to an immediate reload. Call once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("config watcher unavailable, hot reload disabled", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("cannot watch config file, hot reload disabled", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("watching config file", "path", r.path)

	go r.watchLoop()

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads the config from disk, validates it, and if valid swaps it
// in and notifies all registered callbacks. Returns true if the reload
// succeeded. Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload rejected, keeping current config",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	r.logger.Info("config reload applied", "path", r.path)
	return true
}

// watchLoop coalesces bursts of fsnotify events into a single reload.
// Editors and atomic writers emit several Write/Create events per save, so
// the reload fires only after the file has been quiet for the debounce
// interval.
func (r *Reloader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit != new.RateLimit {
		r.logger.Info("default rate limit changed",
			"old_max", old.RateLimit.MaxRequests,
			"new_max", new.RateLimit.MaxRequests,
			"old_window", old.RateLimit.Window,
			"new_window", new.RateLimit.Window,
			"old_strategy", old.RateLimit.Strategy,
			"new_strategy", new.RateLimit.Strategy,
		)
	}

	if len(old.RateOverrides) != len(new.RateOverrides) {
		r.logger.Info("rate override count changed",
			"old", len(old.RateOverrides),
			"new", len(new.RateOverrides),
		)
	}

	if old.Retry != new.Retry && (old.Retry.MaxAttempts != new.Retry.MaxAttempts ||
		old.Retry.Backoff != new.Retry.Backoff) {
		r.logger.Info("retry policy changed",
			"old_attempts", old.Retry.MaxAttempts,
			"new_attempts", new.Retry.MaxAttempts,
			"old_backoff", old.Retry.Backoff,
			"new_backoff", new.Retry.Backoff,
		)
	}

	if old.CircuitBreaker != new.CircuitBreaker {
		r.logger.Info("circuit breaker config changed",
			"old_failure_threshold", old.CircuitBreaker.FailureThreshold,
			"new_failure_threshold", new.CircuitBreaker.FailureThreshold,
		)
	}
}
