// Package logging provides structured logging with trace/tenant propagation.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried by loggers.
type ContextKey string

const (
	TraceIDKey     ContextKey = "trace_id"
	NamespaceKey   ContextKey = "namespace"
	TenantKey      ContextKey = "tenant"
	ActionIDKey    ContextKey = "action_id"
	ChainIDKey     ContextKey = "chain_id"
	ComponentKey   ContextKey = "component"
)

// Logger wraps logrus.Logger with Acteon's field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("gateway", "executor", ...).
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// SetOutput redirects the underlying writer (used by tests).
func (l *Logger) SetOutput(w io.Writer) {
	l.Logger.SetOutput(w)
}

// WithContext builds an entry carrying any trace/namespace/tenant values
// present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	for _, k := range []ContextKey{TraceIDKey, NamespaceKey, TenantKey, ActionIDKey, ChainIDKey} {
		if v := ctx.Value(k); v != nil {
			entry = entry.WithField(string(k), v)
		}
	}
	return entry
}

// WithFields builds an entry with the component field plus caller fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	f := logrus.Fields{"component": l.component}
	for k, v := range fields {
		f[k] = v
	}
	return l.Logger.WithFields(f)
}

// LogAudit logs a structured audit decision.
func (l *Logger) LogAudit(ctx context.Context, verdict, outcome, provider string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"verdict":  verdict,
		"outcome":  outcome,
		"provider": provider,
		"audit":    true,
	}).Info("dispatch audited")
}

// LogServiceCall logs a provider invocation.
func (l *Logger) LogServiceCall(ctx context.Context, provider string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"provider":    provider,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("provider call failed")
		return
	}
	entry.Info("provider call succeeded")
}

// LogPerformance logs a named duration metric.
func (l *Logger) LogPerformance(ctx context.Context, operation string, duration time.Duration, fields map[string]interface{}) {
	f := logrus.Fields{"operation": operation, "duration_ms": duration.Milliseconds()}
	for k, v := range fields {
		f[k] = v
	}
	l.WithContext(ctx).WithFields(f).Debug("performance")
}

// Context helpers.

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithScope(ctx context.Context, namespace, tenant string) context.Context {
	ctx = context.WithValue(ctx, NamespaceKey, namespace)
	return context.WithValue(ctx, TenantKey, tenant)
}

func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ActionIDKey, id)
}

func WithChainID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ChainIDKey, id)
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the package-level logger, lazily creating a fallback.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("acteon", "info", "json")
	}
	return defaultLogger
}
