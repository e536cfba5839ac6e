package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func spanAttrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestSpanAttributeBuilder(t *testing.T) {
	attrs := spanAttrMap(NewSpanAttributeBuilder().
		WithUser("user:abcd").
		WithHistoryID(18446744073709551615).
		WithInserted(3).
		Build())

	assert.Equal(t, "user:abcd", attrs[SpanAttrUser].AsString())
	assert.Equal(t, "18446744073709551615", attrs[SpanAttrHistoryID].AsString())
	assert.Equal(t, int64(3), attrs[SpanAttrInserted].AsInt64())
}

func TestSpanAttributeBuilder_SkipsEmpty(t *testing.T) {
	attrs := NewSpanAttributeBuilder().WithUser("").WithHistoryID(0).Build()
	assert.Empty(t, attrs)
}

func TestStartSyncSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSyncSpan(context.Background(), ModeResync, attribute.String(SpanAttrUser, "user:1"))
	SetSpanSuccess(span)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.resync", spans[0].Name())
	assert.Equal(t, trace.SpanKindInternal, spans[0].SpanKind())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	attrs := spanAttrMap(spans[0].Attributes())
	assert.Equal(t, ModeResync, attrs[SpanAttrMode].AsString())
	assert.Equal(t, "user:1", attrs[SpanAttrUser].AsString())
}

func TestStartGoogleAPISpan_NestsUnderSync(t *testing.T) {
	rec := recordSpans(t)

	ctx, parent := StartSyncSpan(context.Background(), ModeNotification)
	_, child := StartGoogleAPISpan(ctx, ServiceGmail, OperationHistory)
	SetSpanError(child, errors.New("backend error"))
	child.End()
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	api := spans[0]
	assert.Equal(t, "google.gmail.history", api.Name())
	assert.Equal(t, trace.SpanKindClient, api.SpanKind())
	assert.Equal(t, codes.Error, api.Status().Code)
	assert.Equal(t, "backend error", api.Status().Description)
	assert.Equal(t, parent.SpanContext().SpanID(), api.Parent().SpanID())
	require.Len(t, api.Events(), 1, "error recorded as event")
}

func TestSetSpanError_NilIsIgnored(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSyncSpan(context.Background(), ModeBackfill)
	SetSpanError(span, nil)
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, codes.Unset, rec.Ended()[0].Status().Code)
}
