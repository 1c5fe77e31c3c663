// Package logging provides structured JSON logging with trace IDs threaded
// through context. Every long-running request on the node carries a trace ID
// so queue admission, retrieval, and generation can be correlated.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the node.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
}

// LogLevel orders severities for filtering.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ParseLogLevel maps a config string to a level, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID returns a context carrying the given trace ID, generating one
// when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from a context, or "" when absent.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// JSONLogger writes one JSON object per line to stderr.
type JSONLogger struct {
	level     LogLevel
	component string
}

// New creates a JSON logger at the given level.
func New(level LogLevel) Logger {
	return &JSONLogger{level: level}
}

// WithComponent returns a logger tagging every entry with a component name.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{level: l.level, component: component}
}

func (l *JSONLogger) Debug(msg string, fields ...interface{}) {
	l.log(DEBUG, "", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields ...interface{}) {
	l.log(INFO, "", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields ...interface{}) {
	l.log(WARN, "", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields ...interface{}) {
	l.log(ERROR, "", msg, fields)
}

func (l *JSONLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(DEBUG, TraceID(ctx), msg, fields)
}

func (l *JSONLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(INFO, TraceID(ctx), msg, fields)
}

func (l *JSONLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(WARN, TraceID(ctx), msg, fields)
}

func (l *JSONLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ERROR, TraceID(ctx), msg, fields)
}

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l *JSONLogger) log(level LogLevel, traceID, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	var fieldMap map[string]interface{}
	if len(fields) > 0 {
		fieldMap = make(map[string]interface{}, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
		}
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelNames[level],
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		Fields:    fieldMap,
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log marshal failed: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, string(data))
}

var defaultLogger Logger = New(INFO)

// SetDefault replaces the package-level logger.
func SetDefault(l Logger) {
	defaultLogger = l
}

// Default returns the package-level logger.
func Default() Logger {
	return defaultLogger
}

// Package-level convenience functions.

func Debug(msg string, fields ...interface{}) { defaultLogger.Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { defaultLogger.Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { defaultLogger.Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { defaultLogger.Error(msg, fields...) }

func InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.InfoContext(ctx, msg, fields...)
}

func WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.WarnContext(ctx, msg, fields...)
}

func ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.ErrorContext(ctx, msg, fields...)
}

// WithComponent returns a component logger off the default logger.
func WithComponent(component string) Logger {
	return defaultLogger.WithComponent(component)
}
