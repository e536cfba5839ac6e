package cmd

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/ingest"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/notification"
	"github.com/teemow/inboxsync/internal/scheduler"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/watch"
)

// Config is the resolved process configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	DatabaseURL    string
	AutoMigrate    bool
	Valkey         credentials.ValkeyConfig
	EncryptionKey  []byte
	BlobDir        string
	HTTPAddr       string
	OAuthRate      float64
	OAuthBurst     int
	TrustProxy     bool
	MetricsEnabled bool
	MetricsAddr    string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Topic          string
	NotifyTimeout  time.Duration
	SweepInterval  time.Duration
	RenewBuffer    time.Duration
	Sync           ingest.Config
	Breaker        gmail.BreakerSettings
	Telemetry      instrumentation.Config
}

// envAliases maps keys to the conventional variable names, which do not
// follow the KEY_PATH scheme of AutomaticEnv.
var envAliases = map[string][]string{
	"credentials.encryption_key": {"CREDENTIALS_ENCRYPTION_KEY", "OAUTH_ENCRYPTION_KEY"},
	"telemetry.enabled":          {"INSTRUMENTATION_ENABLED"},
	"telemetry.service_name":     {"OTEL_SERVICE_NAME"},
	"telemetry.instance_id":      {"OTEL_SERVICE_INSTANCE_ID"},
	"telemetry.namespace":        {"K8S_NAMESPACE", "POD_NAMESPACE"},
	"telemetry.pod_name":         {"K8S_POD_NAME", "HOSTNAME"},
	"telemetry.metrics_exporter": {"METRICS_EXPORTER"},
	"telemetry.tracing_exporter": {"TRACING_EXPORTER"},
	"telemetry.otlp_endpoint":    {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"telemetry.otlp_insecure":    {"OTEL_EXPORTER_OTLP_INSECURE"},
	"telemetry.sampling_rate":    {"OTEL_TRACES_SAMPLER_ARG"},
	"telemetry.detailed_labels":  {"METRICS_DETAILED_LABELS"},
	"audit.enabled":              {"AUDIT_LOGGING_ENABLED"},
	"audit.include_pii":          {"AUDIT_LOGGING_INCLUDE_PII"},
}

func bindEnvAliases(v *viper.Viper) {
	for key, names := range envAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

func setDefaults(v *viper.Viper) {
	d := ingest.DefaultConfig()
	b := gmail.DefaultBreakerSettings()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.migrate", false)
	v.SetDefault("valkey.key_prefix", "inboxsync:")
	v.SetDefault("valkey.ttl", credentials.DefaultCacheTTL)
	v.SetDefault("http.addr", server.DefaultAddr)
	v.SetDefault("http.oauth_rate", server.DefaultOAuthRate)
	v.SetDefault("http.oauth_burst", server.DefaultOAuthBurst)
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", server.DefaultMetricsAddr)
	v.SetDefault("notification.timeout", notification.DefaultTimeout)
	v.SetDefault("watch.sweep_interval", scheduler.DefaultInterval)
	v.SetDefault("watch.renew_buffer", watch.DefaultRenewBuffer)
	v.SetDefault("sync.candidate_cap", d.CandidateCap)
	v.SetDefault("sync.batch_size", d.BatchSize)
	v.SetDefault("sync.batch_concurrency", d.BatchConcurrency)
	v.SetDefault("sync.backfill_max", d.BackfillMax)
	v.SetDefault("sync.contact_interval", d.ContactInterval)
	v.SetDefault("breaker.failures", b.ConsecutiveFailures)
	v.SetDefault("breaker.timeout", b.Timeout)

	t := instrumentation.DefaultConfig()
	v.SetDefault("telemetry.enabled", t.Enabled)
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.metrics_exporter", t.MetricsExporter)
	v.SetDefault("telemetry.tracing_exporter", t.TracingExporter)
	v.SetDefault("telemetry.sampling_rate", t.TraceSamplingRate)
	v.SetDefault("audit.enabled", t.AuditLogging.Enabled)
}

// loadConfig resolves the configuration from v.
func loadConfig(v *viper.Viper) (Config, error) {
	setDefaults(v)

	key, err := decodeKey(v.GetString("credentials.encryption_key"))
	if err != nil {
		return Config{}, err
	}

	breaker := gmail.DefaultBreakerSettings()
	breaker.ConsecutiveFailures = v.GetUint32("breaker.failures")
	breaker.Timeout = v.GetDuration("breaker.timeout")

	cfg := Config{
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		DatabaseURL: v.GetString("database.url"),
		AutoMigrate: v.GetBool("database.migrate"),
		Valkey: credentials.ValkeyConfig{
			Addr:      v.GetString("valkey.url"),
			Password:  v.GetString("valkey.password"),
			DB:        v.GetInt("valkey.db"),
			KeyPrefix: v.GetString("valkey.key_prefix"),
			TTL:       v.GetDuration("valkey.ttl"),
		},
		EncryptionKey:  key,
		BlobDir:        v.GetString("blob.dir"),
		HTTPAddr:       v.GetString("http.addr"),
		OAuthRate:      v.GetFloat64("http.oauth_rate"),
		OAuthBurst:     v.GetInt("http.oauth_burst"),
		TrustProxy:     v.GetBool("http.trust_proxy"),
		MetricsEnabled: v.GetBool("metrics.enabled"),
		MetricsAddr:    v.GetString("metrics.addr"),
		ClientID:       v.GetString("google.client_id"),
		ClientSecret:   v.GetString("google.client_secret"),
		RedirectURL:    v.GetString("google.redirect_url"),
		Topic:          v.GetString("gmail.topic"),
		NotifyTimeout:  v.GetDuration("notification.timeout"),
		SweepInterval:  v.GetDuration("watch.sweep_interval"),
		RenewBuffer:    v.GetDuration("watch.renew_buffer"),
		Sync: ingest.Config{
			CandidateCap:     v.GetInt("sync.candidate_cap"),
			BatchSize:        v.GetInt("sync.batch_size"),
			BatchConcurrency: v.GetInt("sync.batch_concurrency"),
			BackfillMax:      v.GetInt("sync.backfill_max"),
			ContactInterval:  v.GetDuration("sync.contact_interval"),
		},
		Breaker: breaker,
		Telemetry: instrumentation.Config{
			ServiceName:       v.GetString("telemetry.service_name"),
			InstanceID:        v.GetString("telemetry.instance_id"),
			Namespace:         v.GetString("telemetry.namespace"),
			PodName:           v.GetString("telemetry.pod_name"),
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsExporter:   v.GetString("telemetry.metrics_exporter"),
			TracingExporter:   v.GetString("telemetry.tracing_exporter"),
			OTLPEndpoint:      v.GetString("telemetry.otlp_endpoint"),
			OTLPInsecure:      v.GetBool("telemetry.otlp_insecure"),
			TraceSamplingRate: v.GetFloat64("telemetry.sampling_rate"),
			DetailedLabels:    v.GetBool("telemetry.detailed_labels"),
			AuditLogging: instrumentation.AuditLoggingConfig{
				Enabled:    v.GetBool("audit.enabled"),
				IncludePII: v.GetBool("audit.include_pii"),
			},
		},
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateServe checks the settings only the long-running server needs.
func (c Config) validateServe() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("google client id and secret are required (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET)")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("google redirect url is required (GOOGLE_REDIRECT_URL)")
	}
	if c.Topic == "" {
		return fmt.Errorf("gmail pub/sub topic is required (GMAIL_TOPIC)")
	}
	return nil
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key (must be base64 encoded): %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (got %d bytes)", len(key))
	}
	return key, nil
}
