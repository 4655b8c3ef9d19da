// Package logging provides categorized structured logging for psa.
// Every category is a named child of one zap logger; each entry carries the
// process correlation identifier. Until Initialize is called all loggers are
// no-ops, which keeps library packages silent inside tests.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"psa/internal/correlation"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategoryConfig    Category = "config"    // Configuration loading
	CategoryReasoning Category = "reasoning" // Clause store, unification, knowledge loading
	CategoryRules     Category = "rules"     // Rule loading, matching, execution, crystallization
	CategoryLifecycle Category = "lifecycle" // Health assessment, proposals, CVE tracking
	CategoryJournal   Category = "journal"   // Rule commit log
	CategoryStore     Category = "store"     // Solution/proposal persistence
	CategoryTactile   Category = "tactile"   // Probes and action effects (process spawns)
	CategoryDaemon    Category = "daemon"    // Control loop
	CategoryIPC       Category = "ipc"       // Local command socket
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, text
	File       string          // empty = stderr
	Categories map[string]bool // per-category toggles, missing = enabled
}

// Logger is a category logger with printf-style helpers.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	base      *zap.Logger
	opts      Options
	loggers   = make(map[Category]*Logger)
	nopLogger = zap.NewNop().Sugar()
)

// Initialize builds the root zap logger. Safe to call again (e.g. after a
// config reload); previously handed out loggers keep their old core.
func Initialize(o Options, id correlation.ID) error {
	level := zapcore.InfoLevel
	if o.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(o.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", o.Level, err)
		}
	}

	var zcfg zap.Config
	if o.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.InitialFields = map[string]interface{}{"correlation_id": id.String()}

	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		zcfg.OutputPaths = []string{o.File}
		zcfg.ErrorOutputPaths = []string{o.File}
	}

	root, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	UseLogger(root, o)
	Get(CategoryBoot).Info("logging initialized (level=%s format=%s)", level, zcfg.Encoding)
	return nil
}

// UseLogger installs an already built zap logger. Tests use it with an
// observer core.
func UseLogger(root *zap.Logger, o Options) {
	mu.Lock()
	defer mu.Unlock()
	base = root
	opts = o
	loggers = make(map[Category]*Logger)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if base == nil {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger before Initialize or when the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	enabled := categoryEnabledLocked(category)
	mu.RUnlock()

	if !enabled {
		return &Logger{category: category, sugar: nopLogger}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: base.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying additional structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Root returns the root zap logger, or a no-op logger before Initialize.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return zap.NewNop()
	}
	return base
}

// Sync flushes buffered entries (call at shutdown).
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Reasoning logs to the reasoning category
func Reasoning(format string, args ...interface{}) { Get(CategoryReasoning).Info(format, args...) }

// ReasoningDebug logs debug to the reasoning category
func ReasoningDebug(format string, args ...interface{}) { Get(CategoryReasoning).Debug(format, args...) }

// Rules logs to the rules category
func Rules(format string, args ...interface{}) { Get(CategoryRules).Info(format, args...) }

// RulesDebug logs debug to the rules category
func RulesDebug(format string, args ...interface{}) { Get(CategoryRules).Debug(format, args...) }

// RulesWarn logs warning to the rules category
func RulesWarn(format string, args ...interface{}) { Get(CategoryRules).Warn(format, args...) }

// Lifecycle logs to the lifecycle category
func Lifecycle(format string, args ...interface{}) { Get(CategoryLifecycle).Info(format, args...) }

// LifecycleDebug logs debug to the lifecycle category
func LifecycleDebug(format string, args ...interface{}) { Get(CategoryLifecycle).Debug(format, args...) }

// Journal logs to the journal category
func Journal(format string, args ...interface{}) { Get(CategoryJournal).Info(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Tactile logs to the tactile category
func Tactile(format string, args ...interface{}) { Get(CategoryTactile).Info(format, args...) }

// TactileDebug logs debug to the tactile category
func TactileDebug(format string, args ...interface{}) { Get(CategoryTactile).Debug(format, args...) }

// TactileWarn logs warning to the tactile category
func TactileWarn(format string, args ...interface{}) { Get(CategoryTactile).Warn(format, args...) }

// Daemon logs to the daemon category
func Daemon(format string, args ...interface{}) { Get(CategoryDaemon).Info(format, args...) }

// DaemonDebug logs debug to the daemon category
func DaemonDebug(format string, args ...interface{}) { Get(CategoryDaemon).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
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

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
