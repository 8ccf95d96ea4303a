// Package logging provides config-driven categorized logging for fanchat.
// Each category is a named zap logger writing to one log file.
// Logging is controlled by logging.debug_mode - when false, nothing is written,
// because the interactive chat owns the terminal.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config resolution
	CategorySession Category = "session" // Send protocol, transcript lifecycle
	CategoryAPI     Category = "api"     // Generative-language API calls
	CategoryUI      Category = "ui"      // Terminal chat
	CategoryGallery Category = "gallery" // Admin uploads, captions, site identity
	CategoryWeb     Category = "web"     // HTTP and websocket surface
)

// Categories lists every category in config order.
var Categories = []Category{
	CategoryBoot, CategorySession, CategoryAPI, CategoryUI, CategoryGallery, CategoryWeb,
}

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	DebugMode  bool
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // log file path; empty means stderr
	Categories map[string]bool // per-category toggles; missing means enabled
}

// Logger is a category logger with printf-style methods.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	base     = zap.NewNop()
	settings Config
	loggers  = make(map[Category]*Logger)
	logFile  *os.File
)

// Initialize configures the log sink. It may be called again to reconfigure;
// previously handed-out loggers keep their old sink.
func Initialize(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	closeFileLocked()
	loggers = make(map[Category]*Logger)
	settings = cfg

	if !cfg.DebugMode {
		base = zap.NewNop()
		return nil
	}

	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		logFile = f
		sink = zapcore.AddSync(f)
	}

	base = zap.New(zapcore.NewCore(enc, sink, level))
	return nil
}

// UseLogger routes every category through l (for example the command's
// stderr logger in serve mode). A nil l disables logging.
func UseLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	loggers = make(map[Category]*Logger)
	if l == nil {
		settings = Config{}
		base = zap.NewNop()
		return
	}
	settings = Config{DebugMode: true}
	base = l
}

// categoryEnabledLocked reports whether category should write. Missing
// entries in the toggle map are enabled.
func categoryEnabledLocked(category Category) bool {
	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) the logger for a category. Disabled categories get
// a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	named := zap.NewNop()
	if categoryEnabledLocked(category) {
		named = base.Named(string(category))
	}
	l = &Logger{category: category, sugar: named.Sugar()}
	loggers[category] = l
	return l
}

// With returns a child logger carrying structured key/value fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// CloseAll flushes and closes the log file (call at shutdown)
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	closeFileLocked()
	base = zap.NewNop()
	settings = Config{}
	loggers = make(map[Category]*Logger)
}

func closeFileLocked() {
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

func UIDebug(format string, args ...interface{}) { Get(CategoryUI).Debug(format, args...) }
