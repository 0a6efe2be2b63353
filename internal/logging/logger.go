// Package logging provides categorized structured logging for codexproxy.
// Every category is a named child of one zap root logger; until Initialize
// (or SetLogger) is called the root is a no-op logger.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, configuration
	CategoryRunner    Category = "runner"    // Subprocess lifecycle
	CategoryLimiter   Category = "limiter"   // Slot admission
	CategoryWorkspace Category = "workspace" // Workdir/home resolution, profile copies
	CategoryPresets   Category = "presets"   // Model preset parsing and listing
	CategoryAudit     Category = "audit"     // One structured event per execution
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	File   string // empty = stderr
}

var (
	rootMu  sync.RWMutex
	root    = zap.NewNop()
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggers = make(map[Category]*Logger)
)

// Initialize builds the root logger from opts and installs it.
func Initialize(opts Options) error {
	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.Level.SetLevel(lvl)
	cfg.DisableStacktrace = true
	if opts.File != "" {
		cfg.OutputPaths = []string{opts.File}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	SetLogger(logger)

	Get(CategoryBoot).Debug("logging initialized (level=%s format=%s)", lvl, opts.Format)
	return nil
}

// SetLogger replaces the root logger. Category loggers are rebuilt lazily.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
	loggers = make(map[Category]*Logger)
}

// Root returns the current root logger.
func Root() *zap.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// SetLevel changes the level of a logger built by Initialize.
func SetLevel(name string) error {
	lvl, err := parseLevel(name)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = Root().Sync()
}

func parseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

// Get returns (or creates) the logger for category.
func Get(category Category) *Logger {
	rootMu.RLock()
	if l, ok := loggers[category]; ok {
		rootMu.RUnlock()
		return l
	}
	rootMu.RUnlock()

	rootMu.Lock()
	defer rootMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key/value fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRequestID creates a request-scoped logger carrying a correlation ID.
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("request_id", requestID)
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// RunnerDebug logs debug to the runner category
func RunnerDebug(format string, args ...interface{}) { Get(CategoryRunner).Debug(format, args...) }

// LimiterDebug logs debug to the limiter category
func LimiterDebug(format string, args ...interface{}) { Get(CategoryLimiter).Debug(format, args...) }

// LimiterWarn logs a warning to the limiter category
func LimiterWarn(format string, args ...interface{}) { Get(CategoryLimiter).Warn(format, args...) }

// Workspace logs to the workspace category
func Workspace(format string, args ...interface{}) { Get(CategoryWorkspace).Info(format, args...) }

// WorkspaceDebug logs debug to the workspace category
func WorkspaceDebug(format string, args ...interface{}) {
	Get(CategoryWorkspace).Debug(format, args...)
}

// WorkspaceWarn logs a warning to the workspace category
func WorkspaceWarn(format string, args ...interface{}) { Get(CategoryWorkspace).Warn(format, args...) }

// PresetsDebug logs debug to the presets category
func PresetsDebug(format string, args ...interface{}) { Get(CategoryPresets).Debug(format, args...) }

// PresetsWarn logs a warning to the presets category
func PresetsWarn(format string, args ...interface{}) { Get(CategoryPresets).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
