package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
		level   string
		format  string
	}{
		{"json logger", "test-service", "info", "json"},
		{"text logger", "test-service", "debug", "text"},
		{"invalid level", "test-service", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service, tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("service = %v, want %v", logger.service, tt.service)
			}
		})
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	logger := NewFromEnv("engine")
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}
}

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	logger := NewFromEnv("engine")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info", logger.GetLevel())
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("test", "info", "json")
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithServerURL(ctx, "https://oast.site")

	entry := logger.WithContext(ctx)
	if entry.Data["trace_id"] != "trace-123" {
		t.Errorf("trace_id = %v, want trace-123", entry.Data["trace_id"])
	}
	if entry.Data["server_url"] != "https://oast.site" {
		t.Errorf("server_url = %v, want https://oast.site", entry.Data["server_url"])
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithTraceID("trace-456")
	if entry.Data["trace_id"] != "trace-456" {
		t.Errorf("trace_id = %v, want trace-456", entry.Data["trace_id"])
	}
}

func TestLogger_WithServerURL(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithServerURL("https://oast.fun")
	if entry.Data["server_url"] != "https://oast.fun" {
		t.Errorf("server_url = %v, want https://oast.fun", entry.Data["server_url"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithFields(map[string]interface{}{"foo": "bar"})
	if entry.Data["foo"] != "bar" {
		t.Errorf("foo = %v, want bar", entry.Data["foo"])
	}
	if entry.Data["service"] != "test" {
		t.Errorf("service = %v, want test", entry.Data["service"])
	}
}

func TestLogger_WithFieldsNil(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithFields(nil)
	if entry.Data["service"] != "test" {
		t.Errorf("service = %v, want test", entry.Data["service"])
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithError(errors.New("boom"))
	if entry.Data["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry.Data["error"])
	}
}

func TestLogger_SetOutput(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Info(context.Background(), "hello", nil)
	if buf.Len() == 0 {
		t.Error("expected output to be written")
	}
}

func TestNewTraceID(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" || a == b {
		t.Errorf("NewTraceID() produced non-unique/empty values: %q %q", a, b)
	}
}

func TestWithTraceIDAndGetTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	if got := GetTraceID(ctx); got != "abc" {
		t.Errorf("GetTraceID() = %v, want abc", got)
	}
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() on bare context = %v, want empty", got)
	}
}

func TestWithServerURLAndGetServerURL(t *testing.T) {
	ctx := WithServerURL(context.Background(), "https://oast.me")
	if got := GetServerURL(ctx); got != "https://oast.me" {
		t.Errorf("GetServerURL() = %v, want https://oast.me", got)
	}
}

func TestWithRoleAndGetRole(t *testing.T) {
	ctx := WithRole(context.Background(), "operator")
	if got := GetRole(ctx); got != "operator" {
		t.Errorf("GetRole() = %v, want operator", got)
	}
}

func TestWithServiceAndGetService(t *testing.T) {
	ctx := WithService(context.Background(), "engine")
	if got := GetService(ctx); got != "engine" {
		t.Errorf("GetService() = %v, want engine", got)
	}
}

func TestLogger_LogRegistration(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.LogRegistration(context.Background(), "https://oast.site", "abc123", nil)
	if buf.Len() == 0 {
		t.Error("expected output")
	}

	buf.Reset()
	logger.LogRegistration(context.Background(), "https://oast.site", "abc123", errors.New("503"))
	if buf.Len() == 0 {
		t.Error("expected output on failure path")
	}
}

func TestLogger_LogDeregistration(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogDeregistration(context.Background(), "https://oast.site", "abc123", nil)
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogPoll(t *testing.T) {
	logger := New("test", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogPoll(context.Background(), "https://oast.site", 2, 50*time.Millisecond, nil)
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogInteraction(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogInteraction(context.Background(), "dns", "abc123xyz", "https://oast.site")
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogDecryptFailure(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogDecryptFailure(context.Background(), "https://oast.site", errors.New("bad padding"))
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogSessionExpired(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogSessionExpired(context.Background(), "https://oast.site")
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogPerformance(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogPerformance(context.Background(), "poll", map[string]interface{}{"ms": 12})
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_LogErrorWithStack(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.LogErrorWithStack(context.Background(), errors.New("boom"), "failed", map[string]interface{}{"k": "v"})
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_Info(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Info(context.Background(), "hi", map[string]interface{}{"k": "v"})
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_Error(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Error(context.Background(), "failed", errors.New("boom"), map[string]interface{}{"k": "v"})
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_Warn(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Warn(context.Background(), "careful", nil)
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestLogger_Debug(t *testing.T) {
	logger := New("test", "debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Debug(context.Background(), "detail", nil)
	if buf.Len() == 0 {
		t.Error("expected output at debug level")
	}
}

func TestLogger_DebugSuppressedAboveLevel(t *testing.T) {
	logger := New("test", "info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Debug(context.Background(), "detail", nil)
	if buf.Len() != 0 {
		t.Error("expected debug output to be suppressed at info level")
	}
}

func TestInitDefaultAndDefault(t *testing.T) {
	InitDefault("engine", "info", "json")
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestDefaultFallback(t *testing.T) {
	defaultLogger = nil
	if Default() == nil {
		t.Fatal("Default() returned nil without InitDefault")
	}
}

func TestInfoDefaultErrorDefaultWarnDefaultDebugDefault(t *testing.T) {
	InitDefault("engine", "debug", "json")
	InfoDefault(context.Background(), "info msg")
	ErrorDefault(context.Background(), "error msg", errors.New("boom"))
	WarnDefault(context.Background(), "warn msg")
	DebugDefault(context.Background(), "debug msg")
}

func TestFormatDuration(t *testing.T) {
	got := FormatDuration(1500 * time.Microsecond)
	if got != "1.50ms" {
		t.Errorf("FormatDuration() = %v, want 1.50ms", got)
	}
}

func TestLogger_JSONFormatter(t *testing.T) {
	logger := New("test", "info", "json")
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("expected JSONFormatter, got %T", logger.Formatter)
	}
}

func TestLogger_TextFormatter(t *testing.T) {
	logger := New("test", "info", "text")
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("expected TextFormatter, got %T", logger.Formatter)
	}
}
