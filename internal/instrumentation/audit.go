package instrumentation

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SyncRun captures one sync run for audit logging: a processed
// notification, a contact backfill or a full resync.
//
// # Privacy Considerations
//
// The UserEmail field contains PII. LogAttrs only emits the domain; the
// full address is reserved for LogAuditAttrs, which the AuditLogger uses
// only when IncludePII is configured.
type SyncRun struct {
	Mode string

	// User identity
	UserID    string
	UserEmail string

	// Outcome counters
	Candidates int
	Matched    int
	Inserted   int
	Duplicates int
	HistoryID  uint64

	// Execution details
	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	// Tracing context
	TraceID string
	SpanID  string
}

// NewSyncRun creates a SyncRun with timing started.
// Call Complete() when the run finishes.
func NewSyncRun(mode string) *SyncRun {
	return &SyncRun{
		Mode:      mode,
		StartTime: time.Now(),
	}
}

// UserDomain returns the domain portion of the user's email for lower-cardinality logging.
func (r *SyncRun) UserDomain() string {
	return ExtractUserDomain(r.UserEmail)
}

// Status returns "success" or "error" based on the Success field.
func (r *SyncRun) Status() string {
	if r.Success {
		return StatusSuccess
	}
	return StatusError
}

// WithUser sets the user identity information.
func (r *SyncRun) WithUser(userID, email string) *SyncRun {
	r.UserID = userID
	r.UserEmail = email
	return r
}

// WithCounts sets the outcome counters.
func (r *SyncRun) WithCounts(candidates, matched, inserted, duplicates int) *SyncRun {
	r.Candidates = candidates
	r.Matched = matched
	r.Inserted = inserted
	r.Duplicates = duplicates
	return r
}

// WithHistoryID records the cursor the run finished at.
func (r *SyncRun) WithHistoryID(id uint64) *SyncRun {
	r.HistoryID = id
	return r
}

// WithSpanContext extracts trace context from the current span.
func (r *SyncRun) WithSpanContext(ctx context.Context) *SyncRun {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.TraceID = span.SpanContext().TraceID().String()
		r.SpanID = span.SpanContext().SpanID().String()
	}
	return r
}

// Complete marks the run as completed and calculates duration.
func (r *SyncRun) Complete(err error) *SyncRun {
	r.Duration = time.Since(r.StartTime)
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (r *SyncRun) commonAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("mode", r.Mode),
		slog.Duration("duration", r.Duration),
		slog.Bool("success", r.Success),
		slog.Int("candidates", r.Candidates),
		slog.Int("matched", r.Matched),
		slog.Int("inserted", r.Inserted),
		slog.Int("duplicates", r.Duplicates),
	}
}

func (r *SyncRun) optionalAttrs(attrs []slog.Attr, withSpan bool) []slog.Attr {
	if r.HistoryID != 0 {
		attrs = append(attrs, slog.String("history_id", strconv.FormatUint(r.HistoryID, 10)))
	}
	if r.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", r.TraceID))
	}
	if withSpan && r.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", r.SpanID))
	}
	if r.Error != "" {
		attrs = append(attrs, slog.String("error", r.Error))
	}
	return attrs
}

// LogAttrs returns slog attributes with the user reduced to a domain.
func (r *SyncRun) LogAttrs() []slog.Attr {
	attrs := append(r.commonAttrs(), slog.String("user_domain", r.UserDomain()))
	return r.optionalAttrs(attrs, false)
}

// LogAuditAttrs returns slog attributes including the full user identity.
//
// # Security Warning
//
// This method includes PII (full email). Route audit logs to storage
// with appropriate access controls.
func (r *SyncRun) LogAuditAttrs() []slog.Attr {
	attrs := append(r.commonAttrs(),
		slog.String("user_id", r.UserID),
		slog.String("user", r.UserEmail),
	)
	return r.optionalAttrs(attrs, true)
}

// AuditLogger writes one structured record per sync run.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates a new AuditLogger with the given slog.Logger.
// By default, PII is not included in logs.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true})
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// SetIncludePII sets whether to include full email addresses in audit logs.
func (al *AuditLogger) SetIncludePII(include bool) {
	al.includePII = include
}

// SetEnabled sets whether audit logging is enabled.
func (al *AuditLogger) SetEnabled(enabled bool) {
	al.enabled = enabled
}

// LogSyncRun logs a finished run. A nil logger is a no-op.
func (al *AuditLogger) LogSyncRun(r *SyncRun) {
	if al == nil || !al.enabled {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = r.LogAuditAttrs()
	} else {
		attrs = r.LogAttrs()
	}

	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	if r.Success {
		al.logger.Info("sync_completed", args...)
	} else {
		al.logger.Warn("sync_failed", args...)
	}
}
