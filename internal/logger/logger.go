// Package logger holds the process-wide zap logger.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the global logger. Output goes to stderr so stdout stays clean for command results.
func Init(lvl string) error {
	if err := SetLevelString(lvl); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// Get returns the global logger. Before Init it is a no-op logger.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a child of the global logger.
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// Sync flushes buffered entries.
func Sync() error {
	return Get().Sync()
}

// SetLevelString accepts debug, info, warn/warning, error (case-insensitive).
func SetLevelString(lvl string) error {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "", "info":
		level.SetLevel(zapcore.InfoLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level: %s", lvl)
	}
	return nil
}
