// Package logging provides categorized file-based logging for taskpilot.
// Each category writes to its own file under <data dir>/logs/. When debug
// mode is off the whole package is a silent no-op so the engine can run
// inside pipes without polluting stdio.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and wiring
	CategorySession      Category = "session"      // Session lifecycle and FSM
	CategoryOrchestrator Category = "orchestrator" // Task sequencing decisions
	CategoryPlanner      Category = "planner"      // Planning loop and tool calls
	CategoryTransport    Category = "transport"    // Pipe/relay channels
	CategoryStore        Category = "store"        // Knowledge and memory stores
	CategoryAPI          Category = "api"          // Model backend calls
)

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	logsDir string
	enabled bool
	level   zapcore.Level
)

// nopLogger is handed out before Initialize or when debug mode is off.
var nopLogger = &Logger{sugar: zap.NewNop().Sugar()}

// Initialize sets up the logs directory. A no-op when debugMode is false.
func Initialize(dataDir string, debugMode bool, levelName string) error {
	mu.Lock()
	defer mu.Unlock()

	enabled = debugMode
	if !enabled {
		return nil
	}
	if dataDir == "" {
		return fmt.Errorf("data dir required")
	}

	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	if err := level.Set(levelName); err != nil {
		level = zapcore.InfoLevel
	}

	loggers = make(map[Category]*Logger)
	return nil
}

// SetLevel adjusts the minimum level. Existing loggers are rebuilt on next Get.
func SetLevel(levelName string) {
	mu.Lock()
	defer mu.Unlock()
	if err := level.Set(levelName); err != nil {
		return
	}
	loggers = make(map[Category]*Logger)
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if !enabled {
		mu.RUnlock()
		return nopLogger
	}
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	l, err := newFileLogger(cat)
	if err != nil {
		l = nopLogger
	}
	loggers[cat] = l
	return l
}

func newFileLogger(cat Category) (*Logger, error) {
	path := filepath.Join(logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), level)

	return &Logger{
		category: cat,
		sugar:    zap.New(core).Sugar().Named(string(cat)),
	}, nil
}

// Debug logs at debug level with Printf-style formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs at info level with Printf-style formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level with Printf-style formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with Printf-style formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Convenience helpers for the hot categories.

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}
func Planner(format string, args ...interface{})      { Get(CategoryPlanner).Info(format, args...) }
func PlannerDebug(format string, args ...interface{}) { Get(CategoryPlanner).Debug(format, args...) }
func Transport(format string, args ...interface{})    { Get(CategoryTransport).Info(format, args...) }
func Store(format string, args ...interface{})        { Get(CategoryStore).Debug(format, args...) }
func API(format string, args ...interface{})          { Get(CategoryAPI).Info(format, args...) }
