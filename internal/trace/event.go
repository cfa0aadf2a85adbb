package trace

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// jsonCodec keeps numbers as json.Number so re-encoded events match the
// recorder's spelling, and sorts map keys so encoding is deterministic.
var jsonCodec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

type EventType string

const (
	EventRunStart   EventType = "run_start"
	EventPlan       EventType = "plan"
	EventMessage    EventType = "message"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventToolError  EventType = "tool_error"
	EventRunEnd     EventType = "run_end"
)

// Known reports whether t belongs to the recorder's event vocabulary.
func (t EventType) Known() bool {
	switch t {
	case EventRunStart, EventPlan, EventMessage, EventToolCall, EventToolResult, EventToolError, EventRunEnd:
		return true
	default:
		return false
	}
}

const (
	keyTraceID      = "trace_id"
	keyTimestamp    = "ts"
	keyType         = "type"
	keySpanID       = "span_id"
	keyParentSpanID = "parent_span_id"

	FieldToolName  = "tool_name"
	FieldArguments = "arguments"
	FieldResult    = "result"
	FieldError     = "error"
	FieldTask      = "task"
	FieldProvider  = "provider"
	FieldContent   = "content"
	FieldStatus    = "status"
	FieldSummary   = "summary"

	FieldFinalHash   = "final_hash"
	FieldEventCount  = "event_count"
	FieldIntegrityOK = "integrity_ok"
)

const (
	UnknownToolName  = "unknown"
	UnknownErrorText = "unknown error"
)

// Event is one telemetry record. The envelope fields shared by every event
// type are lifted into struct fields; everything else is kept in Fields
// exactly as decoded.
type Event struct {
	TraceID      string
	Timestamp    string
	Type         EventType
	SpanID       string
	ParentSpanID string
	Fields       map[string]any

	// sent holds the envelope values as decoded, keyed by envelope key, so
	// re-encoding writes back absent keys as absent and nulls as null.
	sent map[string]any
}

var envelopeKeys = []string{keyTraceID, keyTimestamp, keyType, keySpanID, keyParentSpanID}

func (e *Event) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := jsonCodec.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = eventFromMap(raw)
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	return jsonCodec.Marshal(e.toMap())
}

func eventFromMap(raw map[string]any) Event {
	event := Event{
		TraceID:      TextOf(raw[keyTraceID]),
		Timestamp:    TextOf(raw[keyTimestamp]),
		Type:         EventType(TextOf(raw[keyType])),
		SpanID:       TextOf(raw[keySpanID]),
		ParentSpanID: TextOf(raw[keyParentSpanID]),
	}
	for _, key := range envelopeKeys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if event.sent == nil {
			event.sent = make(map[string]any, len(envelopeKeys))
		}
		event.sent[key] = value
		delete(raw, key)
	}
	if len(raw) > 0 {
		event.Fields = raw
	}
	return event
}

// toMap writes the envelope back next to Fields. A key is written when its
// value is set, or when the decoded event carried it; an unchanged key keeps
// its decoded spelling.
func (e Event) toMap() map[string]any {
	out := make(map[string]any, len(e.Fields)+len(envelopeKeys))
	for key, value := range e.Fields {
		out[key] = value
	}
	for _, key := range envelopeKeys {
		current := e.envelope(key)
		original, wasSent := e.sent[key]
		switch {
		case wasSent && TextOf(original) == current:
			out[key] = original
		case current != "":
			out[key] = current
		}
	}
	return out
}

func (e Event) envelope(key string) string {
	switch key {
	case keyTraceID:
		return e.TraceID
	case keyTimestamp:
		return e.Timestamp
	case keyType:
		return string(e.Type)
	case keySpanID:
		return e.SpanID
	case keyParentSpanID:
		return e.ParentSpanID
	}
	return ""
}

// Lookup returns the value stored under key, covering both envelope and
// type-specific fields. Empty envelope values are reported as absent.
func (e Event) Lookup(key string) (any, bool) {
	switch key {
	case keyTraceID, keyTimestamp, keyType, keySpanID, keyParentSpanID:
		envelope := e.envelope(key)
		if envelope == "" {
			return nil, false
		}
		return envelope, true
	}
	value, ok := e.Fields[key]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

// Text returns the field under key rendered as text.
func (e Event) Text(key string) string {
	value, _ := e.Lookup(key)
	return TextOf(value)
}

// ToolName returns tool_name, or "unknown" when the event does not carry one.
func (e Event) ToolName() string {
	value, ok := e.Lookup(FieldToolName)
	if !ok {
		return UnknownToolName
	}
	return TextOf(value)
}

func (e Event) Arguments() any {
	value, _ := e.Lookup(FieldArguments)
	return value
}

func (e Event) Result() any {
	value, _ := e.Lookup(FieldResult)
	return value
}

// ErrorText returns the error field coerced to text, or "unknown error" when
// the event does not carry one.
func (e Event) ErrorText() string {
	value, ok := e.Lookup(FieldError)
	if !ok {
		return UnknownErrorText
	}
	return TextOf(value)
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, bool) {
	return ParseTimestamp(e.Timestamp)
}

// Manifest summarizes one recorded trace.
type Manifest struct {
	TraceID       string   `json:"trace_id"`
	Task          string   `json:"task"`
	Provider      string   `json:"provider"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at,omitempty"`
	RootDir       string   `json:"root_dir,omitempty"`
	FinalHash     string   `json:"final_hash,omitempty"`
	DurationS     *float64 `json:"duration_s,omitempty"`
	EventCount    *int     `json:"event_count,omitempty"`
	ToolCallCount *int     `json:"tool_call_count,omitempty"`
	ErrorCount    *int     `json:"error_count,omitempty"`
}

// Duration returns the precomputed duration, falling back to the distance
// between the start and end timestamps.
func (m Manifest) Duration() (float64, bool) {
	if m.DurationS != nil {
		return *m.DurationS, true
	}
	return DurationBetween(m.StartedAt, m.EndedAt)
}

// DurationBetween returns the non-negative number of seconds between two
// ISO-8601 timestamps. It reports false if either one cannot be parsed.
func DurationBetween(start, end string) (float64, bool) {
	startedAt, ok := ParseTimestamp(start)
	if !ok {
		return 0, false
	}
	endedAt, ok := ParseTimestamp(end)
	if !ok {
		return 0, false
	}
	seconds := endedAt.Sub(startedAt).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	return seconds, true
}

// MarshalEvents encodes events as a JSON array.
func MarshalEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return jsonCodec.Marshal(events)
}

// UnmarshalEvents decodes a JSON array of events.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var events []Event
	if err := jsonCodec.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// MarshalJSON encodes any value with the codec used for events.
func MarshalJSON(value any) ([]byte, error) {
	return jsonCodec.Marshal(value)
}

// UnmarshalJSON decodes data with the codec used for events.
func UnmarshalJSON(data []byte, value any) error {
	return jsonCodec.Unmarshal(data, value)
}
