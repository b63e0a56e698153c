package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel orders message severities from most to least verbose.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger. Construct with New or use the package-level
// functions, which share a process-wide default instance.
type Logger struct {
	level LogLevel
	scope string
	mu    sync.RWMutex
}

// New creates a Logger filtering below the named level. Unknown level names
// fall back to INFO.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

// Scoped returns a logger that prefixes every message with a component tag,
// inheriting the level of the receiver at creation time.
func (l *Logger) Scoped(scope string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{level: l.level, scope: scope}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the process-wide default level.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the process-wide default level name.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel changes this logger's threshold at runtime.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger's threshold as a level name.
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) emit(level string, format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if l.scope != "" {
		log.Printf("[%s] [%s] %s", level, l.scope, message)
		return
	}
	log.Printf("[%s] %s", level, message)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.emit("DEBUG", format, v...)
	}
}

// Info logs at INFO level.
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.emit("INFO", format, v...)
	}
}

// Warn logs at WARN level.
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.emit("WARN", format, v...)
	}
}

// Error logs at ERROR level.
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.emit("ERROR", format, v...)
	}
}

// Package-level logging against the shared default logger.

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
