package instrumentation

import (
	"fmt"
	"time"
)

// Config selects the telemetry exporters of the sync service. The values are
// resolved by the command layer from flags, config file and environment.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// InstanceID identifies this replica; the hostname is used when empty.
	InstanceID string

	// Namespace and PodName are attached as Kubernetes resource attributes
	// when set.
	Namespace string
	PodName   string

	// Enabled switches the whole provider off. Metrics recorded against a
	// disabled provider are dropped.
	Enabled bool

	// MetricsExporter is one of prometheus, otlp or stdout.
	MetricsExporter string

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is host:port of the collector, without scheme.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector. Development only.
	OTLPInsecure bool

	// TraceSamplingRate is the ratio of root sync runs that are traced.
	TraceSamplingRate float64

	// DetailedLabels adds the mailbox domain to sync run durations. Keep it
	// off for large tenants.
	DetailedLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the per-run audit records.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludePII logs full mailbox addresses instead of hashes.
	IncludePII bool
}

// DefaultConfig returns the settings used when nothing is configured:
// Prometheus metrics, no tracing, audit records without PII.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "inboxsync",
		ServiceVersion:    "unknown",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
		AuditLogging: AuditLoggingConfig{
			Enabled: true,
		},
	}
}

// Validate rejects unknown exporters, OTLP without an endpoint and sampling
// rates outside [0, 1].
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}
	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" && (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) {
		return fmt.Errorf("OTLP endpoint is required when an OTLP exporter is selected")
	}
	return nil
}

// Label values shared by the recorders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"

	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"
	OAuthResultExpired = "expired"

	ServiceGmail = "gmail"

	ModeNotification = "notification"
	ModeBackfill     = "backfill"
	ModeResync       = "resync"

	MessageInserted  = "inserted"
	MessageDuplicate = "duplicate"
	MessageFailed    = "error"

	NotificationProcessed = "processed"
	NotificationNoop      = "noop"
	NotificationMalformed = "malformed"
	NotificationUnknown   = "unknown_account"
	NotificationFailed    = "error"

	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// exportInterval is the push interval of the OTLP and stdout readers.
	exportInterval = 10 * time.Second
)
