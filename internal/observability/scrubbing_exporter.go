package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type scrubbingExporter struct {
	sdktrace.SpanExporter
}

// NewScrubbingExporter returns a SpanExporter that removes credentials from
// string and string-slice attributes, span event attributes and status
// descriptions before delegating to wrapped. Reconstructed agent spans carry
// tool arguments and results verbatim.
func NewScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return scrubbingExporter{SpanExporter: wrapped}
}

func (e scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = scrubSpan(span)
	}
	return e.SpanExporter.ExportSpans(ctx, out)
}

// scrubSpan returns span itself when it holds nothing to scrub.
func scrubSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	attrs, dirty := scrubKeyValues(span.Attributes())

	events := span.Events()
	var scrubbedEvents []sdktrace.Event
	for i, event := range events {
		eventAttrs, eventDirty := scrubKeyValues(event.Attributes)
		if !eventDirty {
			continue
		}
		if scrubbedEvents == nil {
			scrubbedEvents = append([]sdktrace.Event(nil), events...)
		}
		scrubbedEvents[i].Attributes = eventAttrs
	}

	description := span.Status().Description
	descriptionDirty := ContainsCredential(description)
	if !dirty && scrubbedEvents == nil && !descriptionDirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = attrs
	if scrubbedEvents != nil {
		stub.Events = scrubbedEvents
	}
	if descriptionDirty {
		stub.Status.Description = ScrubCredentials(description)
	}
	return stub.Snapshot()
}

// scrubKeyValues returns attrs unchanged and false when no value needs
// scrubbing, otherwise a scrubbed copy and true.
func scrubKeyValues(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		scrubbed, changed := scrubKeyValue(kv)
		if !changed {
			continue
		}
		if out == nil {
			out = append([]attribute.KeyValue(nil), attrs...)
		}
		out[i] = scrubbed
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}

func scrubKeyValue(kv attribute.KeyValue) (attribute.KeyValue, bool) {
	switch kv.Value.Type() {
	case attribute.STRING:
		if value := kv.Value.AsString(); ContainsCredential(value) {
			return kv.Key.String(ScrubCredentials(value)), true
		}
	case attribute.STRINGSLICE:
		values := kv.Value.AsStringSlice()
		changed := false
		for i, value := range values {
			if ContainsCredential(value) {
				values[i] = ScrubCredentials(value)
				changed = true
			}
		}
		if changed {
			return kv.Key.StringSlice(values), true
		}
	}
	return kv, false
}
