package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/traceview/internal/observability"
	"github.com/ongoingai/traceview/internal/trace"
)

const otlpInstrumentationName = "traceview/export"

type OTLPOptions struct {
	// ServiceName defaults to "traceview".
	ServiceName string
	// Scrub redacts credential-looking attribute values before export.
	Scrub bool
}

// ExportSpans reconstructs the span forest of data and hands one OTel span
// per span id to exporter. Span start and end are the first and last
// timestamps recorded for the span id, and every event carrying the id
// becomes a span event. The exporter is flushed but not shut down.
func ExportSpans(ctx context.Context, exporter sdktrace.SpanExporter, data trace.TraceData, options OTLPOptions) (int, error) {
	if exporter == nil {
		return 0, fmt.Errorf("span exporter is required")
	}
	traceID := data.TraceID
	if traceID == "" && data.Manifest != nil {
		traceID = data.Manifest.TraceID
	}
	if traceID == "" {
		return 0, fmt.Errorf("trace id is required for span export")
	}
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = "traceview"
	}

	var target sdktrace.SpanExporter = retainedExporter{exporter}
	if options.Scrub {
		target = observability.NewScrubbingExporter(target)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(target),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(derivedIDs{traceKey: traceID}),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("traceview.trace_id", traceID),
		)),
	)
	tracer := provider.Tracer(otlpInstrumentationName)

	timings := spanTimings(data.Events)
	fallback := traceStart(data.Events)
	entries := trace.BuildSpanTree(data.Events)

	// parents[d] is the context of the most recent span at depth d.
	parents := make([]context.Context, 0, 8)
	for _, entry := range entries {
		spanID := entry.Event.SpanID
		timing := timings[spanID]
		start, end := timing.first, timing.last
		if start.IsZero() {
			start = fallback
		}
		if end.IsZero() || end.Before(start) {
			end = start
		}

		parentCtx := context.WithValue(ctx, sourceSpanKey{}, spanID)
		if entry.Depth > 0 && entry.Depth <= len(parents) {
			parentCtx = context.WithValue(parents[entry.Depth-1], sourceSpanKey{}, spanID)
		} else {
			parentCtx = oteltrace.ContextWithSpanContext(parentCtx, oteltrace.SpanContext{})
		}

		spanCtx, span := tracer.Start(
			parentCtx,
			spanName(timing),
			oteltrace.WithTimestamp(start),
			oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
			oteltrace.WithAttributes(spanAttributes(traceID, entry.Event, timing)...),
		)
		for _, event := range timing.events {
			at, ok := event.Time()
			if !ok {
				at = start
			}
			span.AddEvent(string(event.Type), oteltrace.WithTimestamp(at), oteltrace.WithAttributes(eventAttributes(event)...))
		}
		if timing.errorText != "" {
			span.SetStatus(codes.Error, timing.errorText)
		}
		span.End(oteltrace.WithTimestamp(end))

		parents = append(parents[:entry.Depth], spanCtx)
	}

	if err := provider.ForceFlush(ctx); err != nil {
		_ = provider.Shutdown(context.Background())
		return 0, fmt.Errorf("flush spans: %w", err)
	}
	if err := provider.Shutdown(ctx); err != nil {
		return 0, fmt.Errorf("shutdown span provider: %w", err)
	}
	return len(entries), nil
}

// TraceIDFor maps a recorder trace id onto an OTel trace id. A 32 character
// hex id is used as is; anything else is hashed.
func TraceIDFor(traceID string) oteltrace.TraceID {
	var out oteltrace.TraceID
	if len(traceID) == 32 {
		if raw, err := hex.DecodeString(traceID); err == nil {
			copy(out[:], raw)
			if out.IsValid() {
				return out
			}
		}
	}
	sum := sha256.Sum256([]byte(traceID))
	copy(out[:], sum[:len(out)])
	return out
}

// SpanIDFor maps a recorder span id onto an OTel span id within traceID.
func SpanIDFor(traceID, spanID string) oteltrace.SpanID {
	var out oteltrace.SpanID
	sum := sha256.Sum256([]byte(traceID + "/" + spanID))
	copy(out[:], sum[:len(out)])
	return out
}

type sourceSpanKey struct{}

// derivedIDs gives exported spans stable ids derived from the recorder ids,
// so exporting the same trace twice yields the same OTel ids.
type derivedIDs struct {
	traceKey string
}

func (g derivedIDs) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	return TraceIDFor(g.traceKey), g.NewSpanID(ctx, oteltrace.TraceID{})
}

func (g derivedIDs) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	spanID, _ := ctx.Value(sourceSpanKey{}).(string)
	return SpanIDFor(g.traceKey, spanID)
}

// retainedExporter keeps the caller's exporter open when the per-export
// provider shuts down.
type retainedExporter struct {
	sdktrace.SpanExporter
}

func (retainedExporter) Shutdown(context.Context) error { return nil }

type spanTiming struct {
	first     time.Time
	last      time.Time
	events    []trace.Event
	toolName  string
	firstType trace.EventType
	errorText string
}

func spanTimings(events []trace.Event) map[string]*spanTiming {
	timings := make(map[string]*spanTiming)
	for _, event := range events {
		if event.SpanID == "" {
			continue
		}
		timing, ok := timings[event.SpanID]
		if !ok {
			timing = &spanTiming{firstType: event.Type}
			timings[event.SpanID] = timing
		}
		timing.events = append(timing.events, event)
		if at, ok := event.Time(); ok {
			if timing.first.IsZero() || at.Before(timing.first) {
				timing.first = at
			}
			if at.After(timing.last) {
				timing.last = at
			}
		}
		if name, ok := event.Lookup(trace.FieldToolName); ok && timing.toolName == "" {
			timing.toolName = trace.TextOf(name)
		}
		switch {
		case event.Type == trace.EventToolError:
			timing.errorText = event.ErrorText()
		case event.Type == trace.EventRunEnd && event.Text(trace.FieldStatus) == "error":
			timing.errorText = event.Text(trace.FieldSummary)
			if timing.errorText == "" {
				timing.errorText = trace.UnknownErrorText
			}
		case event.Type == trace.EventToolResult:
			timing.errorText = ""
		}
	}
	return timings
}

func traceStart(events []trace.Event) time.Time {
	for _, event := range events {
		if at, ok := event.Time(); ok {
			return at
		}
	}
	return time.Unix(0, 0).UTC()
}

func spanName(timing *spanTiming) string {
	name := string(timing.firstType)
	if name == "" {
		name = "span"
	}
	if timing.toolName != "" {
		name += " " + timing.toolName
	}
	return name
}

func spanAttributes(traceID string, event trace.Event, timing *spanTiming) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("traceview.trace_id", traceID),
		attribute.String("traceview.span_id", event.SpanID),
		attribute.String("traceview.event.type", string(event.Type)),
		attribute.Int("traceview.event_count", len(timing.events)),
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("traceview.parent_span_id", event.ParentSpanID))
	}
	if timing.toolName != "" {
		attrs = append(attrs, attribute.String("traceview.tool.name", timing.toolName))
	}
	return attrs
}

func eventAttributes(event trace.Event) []attribute.KeyValue {
	keys := make([]string, 0, len(event.Fields))
	for key := range event.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys)+1)
	if event.Timestamp != "" {
		attrs = append(attrs, attribute.String("traceview.ts", event.Timestamp))
	}
	for _, key := range keys {
		if event.Fields[key] == nil {
			continue
		}
		attrs = append(attrs, attribute.String("traceview."+key, trace.TextOf(event.Fields[key])))
	}
	return attrs
}
