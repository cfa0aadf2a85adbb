package trace

import (
	"strings"
	"testing"
)

func TestEventUnmarshalLiftsEnvelope(t *testing.T) {
	t.Parallel()

	var event Event
	raw := `{"trace_id":"t1","ts":"2026-01-01T00:00:00Z","type":"tool_call","span_id":"s1","parent_span_id":null,"tool_name":"grep","arguments":{"pattern":"TODO","limit":3}}`
	if err := event.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON() error: %v", err)
	}
	if event.TraceID != "t1" || event.SpanID != "s1" || event.ParentSpanID != "" {
		t.Fatalf("envelope=%+v", event)
	}
	if event.Type != EventToolCall || !event.Type.Known() {
		t.Fatalf("type=%q, want tool_call", event.Type)
	}
	if got := event.ToolName(); got != "grep" {
		t.Fatalf("ToolName()=%q, want grep", got)
	}
	if _, ok := event.Fields["trace_id"]; ok {
		t.Fatalf("envelope key trace_id leaked into Fields")
	}
	args, ok := event.Arguments().(map[string]any)
	if !ok || args["pattern"] != "TODO" {
		t.Fatalf("Arguments()=%#v", event.Arguments())
	}
}

func TestEventMarshalIsDeterministic(t *testing.T) {
	t.Parallel()

	var event Event
	raw := `{"z":1,"type":"message","trace_id":"t1","ts":"2026-01-01T00:00:00Z","span_id":"s1","role":"assistant","content":"hi","a":[1,2.50]}`
	if err := event.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON() error: %v", err)
	}

	first, err := event.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := event.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON() error: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("MarshalJSON() not stable:\n%s\n%s", first, again)
		}
	}

	want := `{"a":[1,2.50],"content":"hi","role":"assistant","span_id":"s1","trace_id":"t1","ts":"2026-01-01T00:00:00Z","type":"message","z":1}`
	if string(first) != want {
		t.Fatalf("MarshalJSON()=%s, want %s", first, want)
	}
}

func TestEventMarshalWritesOnlySentEnvelopeKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "bare message", raw: `{"content":"hi","type":"message"}`},
		{name: "explicit null parent", raw: `{"parent_span_id":null,"span_id":"s1","trace_id":"t1","type":"plan"}`},
		{name: "empty strings kept", raw: `{"parent_span_id":"","trace_id":"","ts":"","type":"message"}`},
		{name: "unknown type", raw: `{"trace_id":"t1","type":"heartbeat","x":1}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var event Event
			if err := event.UnmarshalJSON([]byte(tt.raw)); err != nil {
				t.Fatalf("UnmarshalJSON() error: %v", err)
			}
			encoded, err := event.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error: %v", err)
			}
			if string(encoded) != tt.raw {
				t.Fatalf("MarshalJSON()=%s, want %s", encoded, tt.raw)
			}
		})
	}
}

func TestEventMarshalFollowsEnvelopeEdits(t *testing.T) {
	t.Parallel()

	var event Event
	if err := event.UnmarshalJSON([]byte(`{"parent_span_id":null,"span_id":"s1","type":"plan"}`)); err != nil {
		t.Fatalf("UnmarshalJSON() error: %v", err)
	}
	event.ParentSpanID = "root"
	event.SpanID = ""
	encoded, err := event.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	if want := `{"parent_span_id":"root","type":"plan"}`; string(encoded) != want {
		t.Fatalf("MarshalJSON()=%s, want %s", encoded, want)
	}

	built := Event{TraceID: "t1", Type: EventRunEnd}
	encoded, err = built.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error: %v", err)
	}
	if want := `{"trace_id":"t1","type":"run_end"}`; string(encoded) != want {
		t.Fatalf("MarshalJSON()=%s, want %s", encoded, want)
	}
}

func TestEventDefaults(t *testing.T) {
	t.Parallel()

	event := Event{Type: EventToolError}
	if got := event.ToolName(); got != UnknownToolName {
		t.Fatalf("ToolName()=%q, want %q", got, UnknownToolName)
	}
	if got := event.ErrorText(); got != UnknownErrorText {
		t.Fatalf("ErrorText()=%q, want %q", got, UnknownErrorText)
	}
	if _, ok := event.Lookup("span_id"); ok {
		t.Fatalf("Lookup(span_id) ok=true for empty span id")
	}

	event.Fields = map[string]any{"error": map[string]any{"code": "EPERM"}}
	if got := event.ErrorText(); got != `{"code":"EPERM"}` {
		t.Fatalf("ErrorText()=%q, want JSON text", got)
	}
}

func TestEventArrayRoundTrip(t *testing.T) {
	t.Parallel()

	events := []Event{
		{TraceID: "t1", Timestamp: "2026-01-01T00:00:00Z", Type: EventRunStart, SpanID: "root", Fields: map[string]any{"task": "demo"}},
		{TraceID: "t1", Timestamp: "2026-01-01T00:00:01Z", Type: EventRunEnd, SpanID: "end", ParentSpanID: "root"},
	}
	encoded, err := MarshalEvents(events)
	if err != nil {
		t.Fatalf("MarshalEvents() error: %v", err)
	}
	decoded, err := UnmarshalEvents(encoded)
	if err != nil {
		t.Fatalf("UnmarshalEvents() error: %v", err)
	}
	if len(decoded) != 2 || decoded[1].ParentSpanID != "root" || decoded[0].Text(FieldTask) != "demo" {
		t.Fatalf("decoded=%+v", decoded)
	}

	empty, err := MarshalEvents(nil)
	if err != nil {
		t.Fatalf("MarshalEvents(nil) error: %v", err)
	}
	if strings.TrimSpace(string(empty)) != "[]" {
		t.Fatalf("MarshalEvents(nil)=%s, want []", empty)
	}
}

func TestManifestDuration(t *testing.T) {
	t.Parallel()

	precomputed := 3.5
	tests := []struct {
		name     string
		manifest Manifest
		want     float64
		wantOK   bool
	}{
		{name: "precomputed", manifest: Manifest{DurationS: &precomputed}, want: 3.5, wantOK: true},
		{name: "from timestamps", manifest: Manifest{StartedAt: "2026-01-01T00:00:00Z", EndedAt: "2026-01-01T00:00:12Z"}, want: 12, wantOK: true},
		{name: "clock skew clamps", manifest: Manifest{StartedAt: "2026-01-01T00:00:12Z", EndedAt: "2026-01-01T00:00:00Z"}, want: 0, wantOK: true},
		{name: "missing end", manifest: Manifest{StartedAt: "2026-01-01T00:00:00Z"}, want: 0, wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := tt.manifest.Duration()
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Duration()=(%v,%t), want (%v,%t)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
