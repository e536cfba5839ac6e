package instrumentation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

const (
	testEmail  = "jane@example.com"
	testDomain = "example.com"
	testUserID = "user-42"
)

func attrMap(attrs []slog.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.String()
	}
	return m
}

func TestSyncRun_NewAndComplete(t *testing.T) {
	r := NewSyncRun(ModeNotification)

	if r.Mode != ModeNotification {
		t.Errorf("Mode = %q, want %q", r.Mode, ModeNotification)
	}
	if r.StartTime.IsZero() {
		t.Error("StartTime should not be zero")
	}

	r.Complete(nil)

	if !r.Success {
		t.Error("Success should be true")
	}
	if r.Duration < 0 {
		t.Error("Duration should not be negative")
	}
	if r.Error != "" {
		t.Errorf("Error should be empty, got %q", r.Error)
	}
	if r.Status() != StatusSuccess {
		t.Errorf("Status = %q, want %q", r.Status(), StatusSuccess)
	}
}

func TestSyncRun_CompleteWithError(t *testing.T) {
	r := NewSyncRun(ModeBackfill).Complete(errors.New("token revoked"))

	if r.Success {
		t.Error("Success should be false")
	}
	if r.Error != "token revoked" {
		t.Errorf("Error = %q, want %q", r.Error, "token revoked")
	}
	if r.Status() != StatusError {
		t.Errorf("Status = %q, want %q", r.Status(), StatusError)
	}
}

func TestSyncRun_LogAttrs(t *testing.T) {
	r := NewSyncRun(ModeNotification).
		WithUser(testUserID, testEmail).
		WithCounts(3, 1, 1, 0).
		WithHistoryID(150).
		Complete(nil)
	r.TraceID = "abc123"
	r.SpanID = "span789"

	got := attrMap(r.LogAttrs())

	if got["user_domain"] != testDomain {
		t.Errorf("user_domain = %q, want %q", got["user_domain"], testDomain)
	}
	if _, ok := got["user"]; ok {
		t.Error("LogAttrs must not include the full email")
	}
	if _, ok := got["span_id"]; ok {
		t.Error("LogAttrs should not include span_id")
	}
	if got["history_id"] != "150" {
		t.Errorf("history_id = %q, want 150", got["history_id"])
	}
	if got["candidates"] != "3" || got["inserted"] != "1" {
		t.Errorf("unexpected counters: %v", got)
	}
	if got["trace_id"] != "abc123" {
		t.Errorf("trace_id = %q", got["trace_id"])
	}
}

func TestSyncRun_LogAuditAttrs(t *testing.T) {
	r := NewSyncRun(ModeResync).
		WithUser(testUserID, testEmail).
		Complete(errors.New("boom"))
	r.SpanID = "span789"

	got := attrMap(r.LogAuditAttrs())

	if got["user"] != testEmail {
		t.Errorf("user = %q, want %q", got["user"], testEmail)
	}
	if got["user_id"] != testUserID {
		t.Errorf("user_id = %q, want %q", got["user_id"], testUserID)
	}
	if got["span_id"] != "span789" {
		t.Errorf("span_id = %q", got["span_id"])
	}
	if got["error"] != "boom" {
		t.Errorf("error = %q", got["error"])
	}
	if _, ok := got["history_id"]; ok {
		t.Error("zero history id should be omitted")
	}
}

func TestAuditLogger_LogSyncRun(t *testing.T) {
	tests := []struct {
		name       string
		includePII bool
		err        error
		wantMsg    string
		wantEmail  bool
	}{
		{"success without pii", false, nil, "sync_completed", false},
		{"failure without pii", false, errors.New("x"), "sync_failed", false},
		{"success with pii", true, nil, "sync_completed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			al := NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true, IncludePII: tt.includePII})

			al.LogSyncRun(NewSyncRun(ModeNotification).WithUser(testUserID, testEmail).Complete(tt.err))

			out := buf.String()
			if !strings.Contains(out, tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, out)
			}
			if got := strings.Contains(out, testEmail); got != tt.wantEmail {
				t.Errorf("email present = %v, want %v", got, tt.wantEmail)
			}
		})
	}
}

func TestAuditLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	al.SetEnabled(false)

	al.LogSyncRun(NewSyncRun(ModeBackfill).Complete(nil))

	if buf.Len() != 0 {
		t.Errorf("expected no output when disabled, got %q", buf.String())
	}

	var nilLogger *AuditLogger
	nilLogger.LogSyncRun(NewSyncRun(ModeBackfill).Complete(nil))
}

func TestAuditLogger_New(t *testing.T) {
	al := NewAuditLogger(nil)
	if al.logger == nil {
		t.Error("logger should not be nil when created with nil")
	}
	if !al.enabled {
		t.Error("audit logger should be enabled by default")
	}
	if al.includePII {
		t.Error("PII should be excluded by default")
	}
}

func TestSyncRun_WithSpanContext_NoSpan(t *testing.T) {
	r := NewSyncRun(ModeNotification).WithSpanContext(context.Background())

	if r.TraceID != "" {
		t.Errorf("TraceID = %q, want empty string", r.TraceID)
	}
	if r.SpanID != "" {
		t.Errorf("SpanID = %q, want empty string", r.SpanID)
	}
}
