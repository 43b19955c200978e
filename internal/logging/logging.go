// Package logging builds the zap.Logger every other package receives by
// dependency injection rather than constructing for itself, so a host
// application can route pinheap's diagnostics (stalled safepoints, aborted
// cycles, per-cycle summaries) into its own sinks.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap.Logger (JSON encoding, epoch-seconds
// timestamps) at the given level name ("debug", "info", "warn", "error").
// An empty level name defaults to "info".
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: building zap logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything, for tests and for callers
// that pass a nil *zap.Logger into a constructor that requires one.
func Nop() *zap.Logger { return zap.NewNop() }
