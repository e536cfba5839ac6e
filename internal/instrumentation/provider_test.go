package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(metrics, tracing string) Config {
	c := DefaultConfig()
	c.ServiceVersion = "1.0.0"
	c.MetricsExporter = metrics
	c.TracingExporter = tracing
	return c
}

func TestNewProvider_Disabled(t *testing.T) {
	c := testConfig(ExporterPrometheus, ExporterNone)
	c.Enabled = false

	p, err := NewProvider(context.Background(), c)
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	require.NotNil(t, p.Metrics())
	assert.Nil(t, p.PrometheusHandler())
	assert.NotNil(t, p.Tracer("sync"))

	// Recording against a disabled provider is a no-op.
	p.Metrics().RecordNotification(context.Background(), NotificationProcessed)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Prometheus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := NewProvider(ctx, testConfig(ExporterPrometheus, ExporterNone))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	assert.True(t, p.Enabled())
	require.NotNil(t, p.PrometheusHandler())
	assert.NotNil(t, p.Tracer("sync"))

	p.Metrics().RecordMessages(ctx, ModeNotification, MessageInserted, 3)
	p.Metrics().RecordWatchOperation(ctx, OperationRenew, StatusSuccess)

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sync_messages_total")
	assert.Contains(t, string(body), "watch_operations_total")
	assert.Contains(t, string(body), `service_name="inboxsync"`)
}

func TestNewProvider_Stdout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := NewProvider(ctx, testConfig(ExporterStdout, ExporterStdout))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	assert.True(t, p.Enabled())
	assert.Nil(t, p.PrometheusHandler())
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		metrics string
		tracing string
	}{
		{"unknown metrics exporter", "graphite", ExporterNone},
		{"unknown tracing exporter", ExporterPrometheus, "zipkin"},
		{"otlp tracing without endpoint", ExporterPrometheus, ExporterOTLP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(context.Background(), testConfig(tt.metrics, tt.tracing))
			assert.Error(t, err)
		})
	}
}

func TestNewProvider_IsolatedRegistries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := NewProvider(ctx, testConfig(ExporterPrometheus, ExporterNone))
	require.NoError(t, err)
	defer func() { _ = first.Shutdown(ctx) }()

	second, err := NewProvider(ctx, testConfig(ExporterPrometheus, ExporterNone))
	require.NoError(t, err, "second provider must not collide with the first")
	defer func() { _ = second.Shutdown(ctx) }()

	assert.Equal(t, "1.0.0", second.Config().ServiceVersion)
}

func TestResourceAttributes(t *testing.T) {
	c := testConfig(ExporterPrometheus, ExporterNone)
	c.InstanceID = "pod-7"
	c.Namespace = "sync"
	c.PodName = "inboxsync-7"

	got := map[string]string{}
	for _, kv := range resourceAttributes(c) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "inboxsync", got["service.name"])
	assert.Equal(t, "pod-7", got["service.instance.id"])
	assert.Equal(t, "sync", got["k8s.namespace.name"])
	assert.Equal(t, "inboxsync-7", got["k8s.pod.name"])
}
