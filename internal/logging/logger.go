// Package logging provides categorized logging for dancap.
// Output goes to stderr by default; Initialize can redirect everything to a
// single log file (the --log-file / LOG_FILE setting). The level filter is
// global across categories.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config, credentials
	CategoryBatch     Category = "batch"     // Orchestrator: pre-scans, fan-out, stats
	CategoryWorker    Category = "worker"    // Per-item state machine
	CategoryStore     Category = "store"     // MongoDB gateways
	CategoryFetch     Category = "fetch"     // Image download (CDN, archive, wget)
	CategoryModel     Category = "model"     // Gemini API calls
	CategoryCharacter Category = "character" // Character tree builder
	CategoryPrompt    Category = "prompt"    // Prompt assembly
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with a category prefix
type Logger struct {
	category Category
	logger   *log.Logger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	out       io.Writer = os.Stderr
	outFile   *os.File
	outMu     sync.RWMutex
	logLevel  = LevelInfo
)

// Initialize sets the global level and optional file destination.
// An empty logFile keeps stderr output. Safe to call more than once;
// later calls replace the destination.
func Initialize(level, logFile string) error {
	outMu.Lock()
	defer outMu.Unlock()

	switch level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
		fmt.Fprintf(os.Stderr, "[logging] unknown level %q, using info\n", level)
	}

	if logFile != "" {
		if dir := filepath.Dir(logFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		if outFile != nil {
			outFile.Close()
		}
		outFile = f
		out = f
	}

	// Existing loggers keep their old writer; drop them so Get rebuilds.
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()

	return nil
}

// Level returns the current global log level.
func Level() int {
	outMu.RLock()
	defer outMu.RUnlock()
	return logLevel
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	outMu.RLock()
	w := out
	outMu.RUnlock()

	l := &Logger{
		category: category,
		logger:   log.New(w, fmt.Sprintf("[%s] ", category), log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged)
func (l *Logger) Error(format string, args ...interface{}) {
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// Close closes the log file if one was opened (call at shutdown)
func Close() {
	outMu.Lock()
	defer outMu.Unlock()
	if outFile != nil {
		outFile.Close()
		outFile = nil
		out = os.Stderr
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Batch logs to the batch category
func Batch(format string, args ...interface{}) {
	Get(CategoryBatch).Info(format, args...)
}

// BatchDebug logs debug to the batch category
func BatchDebug(format string, args ...interface{}) {
	Get(CategoryBatch).Debug(format, args...)
}

// BatchWarn logs warning to the batch category
func BatchWarn(format string, args ...interface{}) {
	Get(CategoryBatch).Warn(format, args...)
}

// BatchError logs error to the batch category
func BatchError(format string, args ...interface{}) {
	Get(CategoryBatch).Error(format, args...)
}

// Worker logs to the worker category
func Worker(format string, args ...interface{}) {
	Get(CategoryWorker).Info(format, args...)
}

// WorkerDebug logs debug to the worker category
func WorkerDebug(format string, args ...interface{}) {
	Get(CategoryWorker).Debug(format, args...)
}

// WorkerWarn logs warning to the worker category
func WorkerWarn(format string, args ...interface{}) {
	Get(CategoryWorker).Warn(format, args...)
}

// WorkerError logs error to the worker category
func WorkerError(format string, args ...interface{}) {
	Get(CategoryWorker).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Fetch logs to the fetch category
func Fetch(format string, args ...interface{}) {
	Get(CategoryFetch).Info(format, args...)
}

// FetchDebug logs debug to the fetch category
func FetchDebug(format string, args ...interface{}) {
	Get(CategoryFetch).Debug(format, args...)
}

// FetchWarn logs warning to the fetch category
func FetchWarn(format string, args ...interface{}) {
	Get(CategoryFetch).Warn(format, args...)
}

// FetchError logs error to the fetch category
func FetchError(format string, args ...interface{}) {
	Get(CategoryFetch).Error(format, args...)
}

// Model logs to the model category
func Model(format string, args ...interface{}) {
	Get(CategoryModel).Info(format, args...)
}

// ModelDebug logs debug to the model category
func ModelDebug(format string, args ...interface{}) {
	Get(CategoryModel).Debug(format, args...)
}

// ModelWarn logs warning to the model category
func ModelWarn(format string, args ...interface{}) {
	Get(CategoryModel).Warn(format, args...)
}

// ModelError logs error to the model category
func ModelError(format string, args ...interface{}) {
	Get(CategoryModel).Error(format, args...)
}

// Character logs to the character category
func Character(format string, args ...interface{}) {
	Get(CategoryCharacter).Info(format, args...)
}

// CharacterDebug logs debug to the character category
func CharacterDebug(format string, args ...interface{}) {
	Get(CategoryCharacter).Debug(format, args...)
}

// CharacterWarn logs warning to the character category
func CharacterWarn(format string, args ...interface{}) {
	Get(CategoryCharacter).Warn(format, args...)
}

// Prompt logs to the prompt category
func Prompt(format string, args ...interface{}) {
	Get(CategoryPrompt).Info(format, args...)
}

// PromptWarn logs warning to the prompt category
func PromptWarn(format string, args ...interface{}) {
	Get(CategoryPrompt).Warn(format, args...)
}

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

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
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
