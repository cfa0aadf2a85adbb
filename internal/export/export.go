package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/traceview/internal/observability"
	"github.com/ongoingai/traceview/internal/trace"
)

const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatOTLP     = "otlp"
)

// Bundle is the JSON export of one trace.
type Bundle struct {
	Manifest *trace.Manifest `json:"manifest"`
	Events   []trace.Event   `json:"events"`
}

// ParseFormat normalizes a format name. "md" is accepted for markdown.
func ParseFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatOTLP:
		return FormatOTLP, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (want json, markdown or otlp)", raw)
	}
}

// WriteJSON writes data as an indented {"manifest", "events"} document.
func WriteJSON(w io.Writer, data trace.TraceData) error {
	events := data.Events
	if events == nil {
		events = []trace.Event{}
	}
	compact, err := trace.MarshalJSON(Bundle{Manifest: data.Manifest, Events: events})
	if err != nil {
		return fmt.Errorf("encode trace bundle: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return fmt.Errorf("indent trace bundle: %w", err)
	}
	out.WriteByte('\n')
	if _, err := w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write trace bundle: %w", err)
	}
	return nil
}

// Scrub returns a copy of data with credential-looking values in the task and
// event fields redacted. The input is not modified.
func Scrub(data trace.TraceData) trace.TraceData {
	out := trace.TraceData{TraceID: data.TraceID}
	if data.Manifest != nil {
		manifest := *data.Manifest
		manifest.Task = observability.ScrubCredentials(manifest.Task)
		out.Manifest = &manifest
	}
	if data.Events != nil {
		out.Events = make([]trace.Event, len(data.Events))
	}
	for i, event := range data.Events {
		if fields, ok := observability.ScrubValue(event.Fields).(map[string]any); ok {
			event.Fields = fields
		}
		out.Events[i] = event
	}
	return out
}
