// Package logging provides structured logging with trace ID support
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/interactsh-engine/infrastructure/redaction"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ServerURLKey is the context key for the Interactsh server URL a log line concerns
	ServerURLKey ContextKey = "server_url"
	// RoleKey is the context key for a caller role (kept for parity with the wider stack)
	RoleKey ContextKey = "role"
	// ServiceKey is the context key for service name
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	service  string
	redactor *redaction.Redactor
}

// rf redacts secret-shaped values (AES keys, secret keys, bearer tokens) out
// of a field map before it reaches the underlying logrus entry.
func (l *Logger) rf(fields logrus.Fields) logrus.Fields {
	if fields == nil || l.redactor == nil {
		return fields
	}
	generic := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		generic[k] = v
	}
	redacted := l.redactor.RedactMap(generic)
	out := make(logrus.Fields, len(redacted))
	for k, v := range redacted {
		out[k] = v
	}
	return out
}

// New creates a new Logger instance
func New(service, level, format string) *Logger {
	logger := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set formatter
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:   logger,
		service:  service,
		redactor: redaction.NewRedactor(redaction.DefaultConfig()),
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
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

// WithContext creates a new logger entry with context values
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if serverURL := ctx.Value(ServerURLKey); serverURL != nil {
		entry = entry.WithField("server_url", serverURL)
	}
	if role := ctx.Value(RoleKey); role != nil {
		entry = entry.WithField("role", role)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithServerURL creates a new logger entry scoped to one Interactsh server
func (l *Logger) WithServerURL(serverURL string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":    l.service,
		"server_url": serverURL,
	})
}

// WithFields creates a new logger entry with custom fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	safe := l.rf(fields)
	if safe == nil {
		safe = make(logrus.Fields)
	}
	safe["service"] = l.service
	return l.Logger.WithFields(safe)
}

// WithError creates a new logger entry with error
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithServerURL adds a server URL to the context
func WithServerURL(ctx context.Context, serverURL string) context.Context {
	return context.WithValue(ctx, ServerURLKey, serverURL)
}

// GetServerURL retrieves the server URL from context
func GetServerURL(ctx context.Context) string {
	if serverURL, ok := ctx.Value(ServerURLKey).(string); ok {
		return serverURL
	}
	return ""
}

// WithRole adds a role to the context
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetRole retrieves the role from context
func GetRole(ctx context.Context) string {
	if role, ok := ctx.Value(RoleKey).(string); ok {
		return role
	}
	return ""
}

// WithService adds a service name to the context
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, ServiceKey, service)
}

// GetService retrieves the service name from context
func GetService(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceKey).(string); ok {
		return serviceName
	}
	return ""
}

// Structured logging helpers

// LogRegistration logs a /register round trip against an Interactsh server
func (l *Logger) LogRegistration(ctx context.Context, serverURL, correlationID string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"server_url":     serverURL,
		"correlation_id": correlationID,
	})
	if err != nil {
		entry.WithError(err).Error("registration failed")
	} else {
		entry.Info("registered with server")
	}
}

// LogDeregistration logs a /deregister round trip
func (l *Logger) LogDeregistration(ctx context.Context, serverURL, correlationID string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"server_url":     serverURL,
		"correlation_id": correlationID,
	})
	if err != nil {
		entry.WithError(err).Warn("deregistration failed")
	} else {
		entry.Info("deregistered from server")
	}
}

// LogPoll logs the outcome of one poll iteration
func (l *Logger) LogPoll(ctx context.Context, serverURL string, itemCount int, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"server_url":  serverURL,
		"item_count":  itemCount,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("poll failed")
	} else {
		entry.Debug("poll completed")
	}
}

// LogInteraction logs a successfully attributed interaction
func (l *Logger) LogInteraction(ctx context.Context, protocol, uniqueID, serverURL string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"protocol":   protocol,
		"unique_id":  uniqueID,
		"server_url": serverURL,
	}).Info("interaction recorded")
}

// LogDecryptFailure logs a per-item decrypt/parse failure that was skipped
func (l *Logger) LogDecryptFailure(ctx context.Context, serverURL string, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"server_url": serverURL,
	}).WithError(err).Warn("skipped undecryptable interaction")
}

// LogSessionExpired logs a server-reported session expiry
func (l *Logger) LogSessionExpired(ctx context.Context, serverURL string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"server_url": serverURL,
	}).Warn("session expired, client removed")
}

// Performance logging

// LogPerformance logs performance metrics
func (l *Logger) LogPerformance(ctx context.Context, operation string, metrics map[string]interface{}) {
	fields := logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}
	for k, v := range metrics {
		fields[k] = v
	}

	l.WithContext(ctx).WithFields(fields).Info("performance metrics")
}

// Error logging with stack trace

// LogErrorWithStack logs an error with additional context
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error": err.Error(),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Panic logs a panic and panics
func (l *Logger) Panic(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Panic(message)
}

// Development helpers

// Debug logs a debug message (only in development)
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	if l.Logger.Level >= logrus.DebugLevel {
		l.WithContext(ctx).WithFields(fields).Debug(message)
	}
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Global logger instance (can be initialized once at startup)
var defaultLogger *Logger

// InitDefault initializes the default logger
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}

// Convenience functions using default logger

// InfoDefault logs an info message using the default logger
func InfoDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Info(message)
}

// ErrorDefault logs an error message using the default logger
func ErrorDefault(ctx context.Context, message string, err error) {
	Default().WithContext(ctx).WithError(err).Error(message)
}

// WarnDefault logs a warning message using the default logger
func WarnDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Warn(message)
}

// DebugDefault logs a debug message using the default logger
func DebugDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Debug(message)
}

// FormatDuration formats a duration in milliseconds
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
