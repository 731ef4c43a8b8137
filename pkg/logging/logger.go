// Package logging provides structured logging with trace-id propagation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context keys owned by this package.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with service-scoped, context-aware helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the given service name, level ("debug".."fatal") and
// format ("json" or "text").
func New(service, level, format string) *Logger {
	base := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if format == "text" {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying the service name and, if present, the
// request's trace id.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields returns an entry with the service name and the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry with the service name and the error attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceID retrieves the trace id from the context, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
