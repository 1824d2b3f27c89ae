// Package logging provides structured JSON logging with component tags.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel converts a level name to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	default:
		return "info"
	}
}

// Logger is the structured logging interface used across components.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	WithComponent(component string) Logger
}

// entry is one serialized log line.
type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// StructuredLogger writes JSON log lines to stderr.
type StructuredLogger struct {
	level     Level
	component string
	useJSON   bool
	mu        *sync.Mutex
}

// NewLogger creates a structured logger at the given level
func NewLogger(level Level) *StructuredLogger {
	return &StructuredLogger{
		level:   level,
		useJSON: os.Getenv("LOG_JSON") != "false",
		mu:      &sync.Mutex{},
	}
}

// WithComponent returns a logger that tags every line with a component name
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{
		level:     l.level,
		component: component,
		useJSON:   l.useJSON,
		mu:        l.mu,
	}
}

func (l *StructuredLogger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}
	if len(fields) > 0 {
		e.Fields = fieldsToMap(fields)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useJSON {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintln(os.Stderr, string(data))
			return
		}
	}
	fmt.Fprintf(os.Stderr, "%s [%s] %s %s %v\n", e.Timestamp, e.Level, e.Component, e.Message, e.Fields)
}

// fieldsToMap converts variadic key-value pairs to a map. Odd trailing
// values are kept under "extra".
func fieldsToMap(fields []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		m[key] = fields[i+1]
	}
	if len(fields)%2 == 1 {
		m["extra"] = fields[len(fields)-1]
	}
	return m
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }

// Info logs an info message
func (l *StructuredLogger) Info(msg string, fields ...interface{}) { l.log(INFO, msg, fields...) }

// Warn logs a warning message
func (l *StructuredLogger) Warn(msg string, fields ...interface{}) { l.log(WARN, msg, fields...) }

// Error logs an error message
func (l *StructuredLogger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

var (
	defaultLogger Logger = NewLogger(ParseLevel(os.Getenv("LOG_LEVEL")))
	defaultMu     sync.RWMutex
)

// SetDefault replaces the process-wide default logger
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs to the default logger
func Debug(msg string, fields ...interface{}) { Default().Debug(msg, fields...) }

// Info logs to the default logger
func Info(msg string, fields ...interface{}) { Default().Info(msg, fields...) }

// Warn logs to the default logger
func Warn(msg string, fields ...interface{}) { Default().Warn(msg, fields...) }

// Error logs to the default logger
func Error(msg string, fields ...interface{}) { Default().Error(msg, fields...) }
