package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callwatch"

// Attribute keys set on call spans.
const (
	AttrCallID = attribute.Key("call_id")
	AttrRoom   = attribute.Key("room")
	AttrReason = attribute.Key("reason")
)

type callIDKey struct{}

// Tracer returns the callwatch tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts a span for work on one call, such as "call.finalize".
// The span carries callID as [AttrCallID] plus attrs, and the returned
// context carries callID for [Logger].
func StartCallSpan(ctx context.Context, name, callID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, callIDKey{}, callID)
	kv := make([]attribute.KeyValue, 0, len(attrs)+1)
	kv = append(kv, AttrCallID.String(callID))
	kv = append(kv, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(kv...))
}

// CallID returns the call id set by [StartCallSpan], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// CorrelationID returns the trace id of the span in ctx, or "". HTTP
// responses echo it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace_id, span_id and call_id
// found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := CallID(ctx); id != "" {
		l = l.With(slog.String("call_id", id))
	}
	return l
}
