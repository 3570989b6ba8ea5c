// Package logging sets up the process-wide structured logger.
//
// Call sites obtain a logger through Tag, which attaches the component name
// ("orchestrator", "stt", ...) as a structured "component" field rather than
// a message prefix; further structured fields carry anything beyond plain
// informational text.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// L returns the process-wide logger, building it lazily on first use.
func L() *zap.Logger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		built, err := cfg.Build()
		if err != nil {
			logger = zap.NewNop()
			return
		}
		logger = built
	})
	return logger
}

// Sync flushes any buffered log entries; call during shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Tag returns a child logger carrying the component name in a "component"
// field, e.g. Tag("orchestrator").Info("session started", ...).
func Tag(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}
