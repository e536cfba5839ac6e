package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrResult    = "result"
	attrOutcome   = "outcome"
	attrMode      = "mode"
	attrDomain    = "user_domain"
)

// Metrics provides methods for recording observability metrics.
//
// A nil *Metrics and the zero value are both valid no-op recorders, so
// components can take a *Metrics without checking whether telemetry is on.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Google API metrics
	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram

	// OAuth metrics
	oauthConnectTotal      metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Sync metrics
	notificationsTotal   metric.Int64Counter
	historyPagesTotal    metric.Int64Counter
	messagesTotal        metric.Int64Counter
	attachmentsTotal     metric.Int64Counter
	watchOperationsTotal metric.Int64Counter
	syncRunDuration      metric.Float64Histogram
	syncRunsInFlight     metric.Int64UpDownCounter

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.googleAPIOperationsTotal, err = meter.Int64Counter(
		"google_api_operations_total",
		metric.WithDescription("Total number of Google API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operations_total counter: %w", err)
	}

	m.googleAPIOperationDuration, err = meter.Float64Histogram(
		"google_api_operation_duration_seconds",
		metric.WithDescription("Google API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operation_duration_seconds histogram: %w", err)
	}

	m.oauthConnectTotal, err = meter.Int64Counter(
		"oauth_connect_total",
		metric.WithDescription("Total number of Gmail OAuth connect callbacks"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_connect_total counter: %w", err)
	}

	m.oauthTokenRefreshTotal, err = meter.Int64Counter(
		"oauth_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}

	m.notificationsTotal, err = meter.Int64Counter(
		"sync_notifications_total",
		metric.WithDescription("Push notifications received, by outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_notifications_total counter: %w", err)
	}

	m.historyPagesTotal, err = meter.Int64Counter(
		"sync_history_pages_total",
		metric.WithDescription("History pages read from the mailbox change log"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_history_pages_total counter: %w", err)
	}

	m.messagesTotal, err = meter.Int64Counter(
		"sync_messages_total",
		metric.WithDescription("Messages written to the store, by mode and result"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_messages_total counter: %w", err)
	}

	m.attachmentsTotal, err = meter.Int64Counter(
		"sync_attachments_total",
		metric.WithDescription("Attachments processed, by status"),
		metric.WithUnit("{attachment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_attachments_total counter: %w", err)
	}

	m.watchOperationsTotal, err = meter.Int64Counter(
		"watch_operations_total",
		metric.WithDescription("Watch subscription operations, by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watch_operations_total counter: %w", err)
	}

	m.syncRunDuration, err = meter.Float64Histogram(
		"sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_run_duration_seconds histogram: %w", err)
	}

	m.syncRunsInFlight, err = meter.Int64UpDownCounter(
		"sync_runs_in_flight",
		metric.WithDescription("Number of sync runs currently executing"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_runs_in_flight gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGoogleAPIOperation records a Google API operation with service, operation,
// status, and duration.
//
// Parameters:
//   - service: Google service name (gmail)
//   - operation: Operation type (history, get, watch, stop, profile, attachment, search)
//   - status: Result status ("success" or "error")
//   - duration: Time taken for the operation
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m == nil || m.googleAPIOperationsTotal == nil || m.googleAPIOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.googleAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOAuthConnect records the result of an OAuth callback.
// Result should be one of: "success", "failure"
func (m *Metrics) RecordOAuthConnect(ctx context.Context, result string) {
	if m == nil || m.oauthConnectTotal == nil {
		return
	}
	m.oauthConnectTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh records an OAuth token refresh attempt with result.
// Result should be one of: "success", "failure", "expired"
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordNotification counts a push notification by outcome.
func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	if m == nil || m.notificationsTotal == nil {
		return
	}
	m.notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// RecordHistoryPage counts one page of history read.
func (m *Metrics) RecordHistoryPage(ctx context.Context) {
	if m == nil || m.historyPagesTotal == nil {
		return
	}
	m.historyPagesTotal.Add(ctx, 1)
}

// RecordMessages counts n messages for a sync mode ("notification",
// "backfill") and result ("inserted", "duplicate", "error").
func (m *Metrics) RecordMessages(ctx context.Context, mode, result string, n int) {
	if m == nil || m.messagesTotal == nil || n <= 0 {
		return
	}
	m.messagesTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String(attrMode, mode),
		attribute.String(attrResult, result),
	))
}

// RecordAttachment counts one processed attachment.
func (m *Metrics) RecordAttachment(ctx context.Context, status string) {
	if m == nil || m.attachmentsTotal == nil {
		return
	}
	m.attachmentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordWatchOperation counts a watch start, stop or renewal by result.
func (m *Metrics) RecordWatchOperation(ctx context.Context, operation, result string) {
	if m == nil || m.watchOperationsTotal == nil {
		return
	}
	m.watchOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrResult, result),
	))
}

// RecordSyncRun records the duration of a finished sync run. The user
// domain is only attached when detailed labels are enabled.
func (m *Metrics) RecordSyncRun(ctx context.Context, mode, status, userEmail string, duration time.Duration) {
	if m == nil || m.syncRunDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMode, mode),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && userEmail != "" {
		attrs = append(attrs, attribute.String(attrDomain, ExtractUserDomain(userEmail)))
	}

	m.syncRunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementSyncRuns increments the in-flight sync run gauge.
func (m *Metrics) IncrementSyncRuns(ctx context.Context) {
	if m == nil || m.syncRunsInFlight == nil {
		return
	}
	m.syncRunsInFlight.Add(ctx, 1)
}

// DecrementSyncRuns decrements the in-flight sync run gauge.
func (m *Metrics) DecrementSyncRuns(ctx context.Context) {
	if m == nil || m.syncRunsInFlight == nil {
		return
	}
	m.syncRunsInFlight.Add(ctx, -1)
}
