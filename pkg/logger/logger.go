// Package logger builds the structured loggers used throughout arbtrie.
// Every subsystem (segment heap, control-block table, compactor, trie engine)
// receives a *zap.SugaredLogger scoped to its own name so that log lines can
// be filtered per component without threading extra context through call sites.
package logger

import (
	"go.uber.org/zap"
)

// New builds a production-configured, JSON-encoded logger scoped to service.
// The returned logger is safe for concurrent use by every goroutine a
// *arbtrie.DB spawns (background compactor, read-bit decay, segment provider).
func New(service string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true

	base, err := cfg.Build()
	if err != nil {
		// Logger construction failing indicates a broken process environment
		// (e.g. stdout/stderr unavailable); fall back to a no-op logger rather
		// than taking the whole database down over observability.
		base = zap.NewNop()
	}

	return base.Sugar().Named(service)
}

// NewDevelopment builds a human-readable, colorized console logger. Intended
// for local development and the test suite, never for production opens.
func NewDevelopment(service string) *zap.SugaredLogger {
	base, err := zap.NewDevelopment()
	if err != nil {
		base = zap.NewNop()
	}
	return base.Sugar().Named(service)
}
