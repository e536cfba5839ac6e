// Package instrumentation provides OpenTelemetry instrumentation for the
// inboxsync service.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Google API Metrics:
//   - google_api_operations_total: Counter of Gmail API calls by operation and status
//   - google_api_operation_duration_seconds: Histogram of Gmail API call durations
//
// OAuth Metrics:
//   - oauth_connect_total: Counter of connect callbacks by result
//   - oauth_token_refresh_total: Counter of token refresh attempts by result
//
// Sync Metrics:
//   - sync_notifications_total: Push notifications by outcome
//   - sync_history_pages_total: History pages read
//   - sync_messages_total: Messages written, by mode and result
//   - sync_attachments_total: Attachments processed, by status
//   - watch_operations_total: Watch start/stop/renew by result
//   - sync_run_duration_seconds: Duration of sync runs by mode and status
//   - sync_runs_in_flight: Sync runs currently executing
//
// # Tracing
//
// Spans are created for sync runs (sync.<mode>) and Gmail API calls
// (google.gmail.<operation>).
//
// # Configuration
//
// Config is filled by the serve command from the telemetry.* and audit.*
// keys. The conventional variables are honoured as well: METRICS_EXPORTER,
// TRACING_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_TRACES_SAMPLER_ARG,
// OTEL_SERVICE_NAME and INSTRUMENTATION_ENABLED.
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordNotification(ctx, instrumentation.NotificationProcessed)
//	metrics.RecordMessages(ctx, instrumentation.ModeNotification, instrumentation.MessageInserted, 1)
package instrumentation
