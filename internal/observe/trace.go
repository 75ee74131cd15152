package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the turnloop tracer.
const tracerName = "github.com/MrWong99/turnloop"

// Span names and attribute keys shared by the voice pipeline.
const (
	SpanSession = "voice.session"
	SpanTurn    = "voice.turn"

	AttrSessionID = attribute.Key("session.id")
	AttrTurn      = attribute.Key("turn")
)

// Tracer returns the turnloop tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one voice session. Every turn
// span started from the returned context becomes its child.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSession, trace.WithAttributes(AttrSessionID.String(sessionID)))
}

// StartTurnSpan starts the span of turn n within a session. The returned
// context ignores cancellation of ctx.
func StartTurnSpan(ctx context.Context, sessionID string, n int64) (context.Context, trace.Span) {
	return StartSpan(context.WithoutCancel(ctx), SpanTurn,
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrTurn.Int64(n),
		))
}

// FailSpan records err on span and marks it failed with msg. A nil err is
// ignored.
func FailSpan(span trace.Span, err error, msg string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id taken from the
// span in ctx. Without a span it is [slog.Default] unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
