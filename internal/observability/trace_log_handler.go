package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/traceview/internal/correlation"
)

// Record keys added from the context. The otel_ prefix keeps them apart from
// trace_id, which names an agent trace everywhere else in our logs.
const (
	logKeyOTelTraceID   = "otel_trace_id"
	logKeyOTelSpanID    = "otel_span_id"
	logKeyCorrelationID = "correlation_id"
)

type contextLogHandler struct {
	next slog.Handler
}

// NewTraceLogHandler wraps next so records logged with a context carry the
// recording OpenTelemetry span and the request correlation id. A nil next
// uses slog.Default().Handler().
func NewTraceLogHandler(next slog.Handler) slog.Handler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return contextLogHandler{next: next}
}

func (h contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	span := oteltrace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() && span.IsRecording() {
		record.AddAttrs(
			slog.String(logKeyOTelTraceID, sc.TraceID().String()),
			slog.String(logKeyOTelSpanID, sc.SpanID().String()),
		)
	}
	if id, ok := correlation.FromContext(ctx); ok && !hasAttr(record, logKeyCorrelationID) {
		record.AddAttrs(slog.String(logKeyCorrelationID, id))
	}
	return h.next.Handle(ctx, record)
}

func (h contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextLogHandler{next: h.next.WithAttrs(attrs)}
}

func (h contextLogHandler) WithGroup(name string) slog.Handler {
	return contextLogHandler{next: h.next.WithGroup(name)}
}

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		found = attr.Key == key
		return !found
	})
	return found
}
