//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a cgroups v2 isolator when the cgroup tree is writable
// and the timeout-only fallback otherwise.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	iso, err := NewLinuxIsolator(logger)
	if err != nil {
		logger.Warn("cgroup isolation unavailable, code programs only get a timeout",
			slog.String("error", err.Error()))
		return NewFallbackIsolator()
	}
	return iso
}
