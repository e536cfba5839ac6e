package instrumentation

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer of every span started here.
const TracerName = "github.com/teemow/inboxsync"

// Span attribute keys.
const (
	SpanAttrMode      = "sync.mode"
	SpanAttrUser      = "sync.user"
	SpanAttrInserted  = "sync.inserted"
	SpanAttrService   = "google.service"
	SpanAttrOperation = "google.operation"
	SpanAttrHistoryID = "gmail.history_id"
)

// SpanAttributeBuilder collects sync span attributes, skipping empty values.
type SpanAttributeBuilder struct {
	attrs []attribute.KeyValue
}

// NewSpanAttributeBuilder creates an empty builder.
func NewSpanAttributeBuilder() *SpanAttributeBuilder {
	return &SpanAttributeBuilder{attrs: make([]attribute.KeyValue, 0, 4)}
}

// WithUser adds the mailbox. Pass an anonymised value; spans leave the
// process.
func (b *SpanAttributeBuilder) WithUser(user string) *SpanAttributeBuilder {
	if user != "" {
		b.attrs = append(b.attrs, attribute.String(SpanAttrUser, user))
	}
	return b
}

// WithHistoryID adds the cursor. History ids exceed int64 in theory, so
// they are recorded as strings.
func (b *SpanAttributeBuilder) WithHistoryID(id uint64) *SpanAttributeBuilder {
	if id != 0 {
		b.attrs = append(b.attrs, attribute.String(SpanAttrHistoryID, strconv.FormatUint(id, 10)))
	}
	return b
}

// WithInserted adds the number of stored messages.
func (b *SpanAttributeBuilder) WithInserted(n int) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.Int(SpanAttrInserted, n))
	return b
}

// Build returns the attributes.
func (b *SpanAttributeBuilder) Build() []attribute.KeyValue {
	return b.attrs
}

// StartSyncSpan starts the root span of one sync run: a notification, a
// backfill or a resync.
func StartSyncSpan(ctx context.Context, mode string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{attribute.String(SpanAttrMode, mode)}, attrs...)
	return otel.Tracer(TracerName).Start(ctx, "sync."+mode,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartGoogleAPISpan starts a client span around one Google API call.
func StartGoogleAPISpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		attribute.String(SpanAttrService, service),
		attribute.String(SpanAttrOperation, operation),
	}, attrs...)
	return otel.Tracer(TracerName).Start(ctx, "google."+service+"."+operation,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span failed. A nil error is ignored.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
