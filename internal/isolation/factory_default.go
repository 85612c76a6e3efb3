//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the best Isolator for this platform. Outside Linux
// that is the timeout-only fallback.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no kernel isolation on this platform, code programs only get a timeout")
	return NewFallbackIsolator()
}
