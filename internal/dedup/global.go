package dedup

import (
	"log/slog"
	"sync"
)

var (
	globalMu sync.Mutex
	global   *Service
)

// Global returns the process-wide instance, creating it on first use.
func Global() *Service {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(slog.Default())
	}
	return global
}

// SetGlobal installs a constructed instance as the process-wide one.
func SetGlobal(s *Service) {
	globalMu.Lock()
	global = s
	globalMu.Unlock()
}

// ResetGlobal discards the process-wide instance. Tests use this to start
// from a clean registry.
func ResetGlobal() {
	globalMu.Lock()
	global = nil
	globalMu.Unlock()
}
