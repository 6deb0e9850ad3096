// Package logging provides categorized structured logging for the Kolibri
// runtime. Each subsystem logs through a named zap logger; output is gated by
// the debug flag so production runs stay quiet by default.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies the subsystem a log line belongs to.
type Category string

const (
	CategoryJournal  Category = "journal"
	CategoryPrivacy  Category = "privacy"
	CategorySkills   Category = "skills"
	CategorySandbox  Category = "sandbox"
	CategoryGraph    Category = "graph"
	CategoryRAG      Category = "rag"
	CategoryEncoder  Category = "encoder"
	CategoryPlanner  Category = "planner"
	CategoryProfile  Category = "profile"
	CategoryLearning Category = "learning"
	CategoryWorkflow Category = "workflow"
	CategoryIoT      Category = "iot"
	CategoryMetrics  Category = "metrics"
	CategoryRuntime  Category = "runtime"
	CategorySession  Category = "session"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
)

// Configure installs the process-wide root logger. debug enables development
// encoding and Debug-level output; otherwise Info level with production
// encoding.
func Configure(debug bool) error {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		logger, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the root logger. Tests use this with zaptest or Nop.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
}

// Get returns the named logger for a category.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if logger, ok := loggers[category]; ok {
		mu.RUnlock()
		return logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if logger, ok := loggers[category]; ok {
		return logger
	}
	logger := root.Named(string(category))
	loggers[category] = logger
	return logger
}

// Sync flushes buffered log entries. Safe to call on a Nop root.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
