// Package logging constructs the shared structured logger used by
// every component, and tunes the process' GOMAXPROCS to the
// container's actual CPU quota before any worker goroutines start.
package logging

import (
	"fmt"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.SugaredLogger at the given level ("debug", "info",
// "warn", "error"), named for the running participant.
func New(level, nodeID string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar().With("node_id", nodeID), nil
}

// TuneGOMAXPROCS adjusts GOMAXPROCS to match any cgroup CPU quota,
// logging the outcome through the caller's own logger rather than
// automaxprocs' default stdlib logger.
func TuneGOMAXPROCS(logger *zap.SugaredLogger) error {
	_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Infof(format, args...)
	}))
	return err
}
