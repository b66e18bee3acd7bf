//go:build windows

package config

// registerSignalHandler is a no-op: Windows has no SIGHUP. File edits are
// still picked up by the fsnotify watcher.
func (r *Reloader) registerSignalHandler() {
	r.logger.Debug("SIGHUP unavailable on this platform, relying on file watcher")
}
