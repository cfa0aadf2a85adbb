package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"

	"github.com/ongoingai/traceview/internal/trace"
)

const timelineDetailLimit = 120

var templateFuncs = func() template.FuncMap {
	funcs := template.FuncMap{
		"cell":     markdownCell,
		"duration": trace.FormatDuration,
		"seconds":  formatSeconds,
		"json":     compactJSON,
		"code":     codeSpan,
	}
	generic := sprig.TxtFuncMap()
	for _, name := range []string{"default", "trim"} {
		if fn, ok := generic[name]; ok {
			funcs[name] = fn
		}
	}
	return funcs
}()

var reportTemplate = template.Must(template.New("report").Funcs(templateFuncs).Parse(`# Trace {{ .TraceID }}

## Summary
- Task: {{ .Task | trim | default "–" }}
- Provider: {{ .Provider | default "–" }}
- Status: {{ .Status | default "–" }}
- Events: {{ .Metrics.EventCount }}
- Tool calls: {{ .Metrics.ToolCallCount }}
- Errors: {{ .Metrics.ErrorCount }}
- Duration: {{ duration .Duration }}
{{- with .FinalHash }}
- Final hash: {{ code . }}
{{- end }}
{{- with .Integrity }}
- Integrity: {{ . }}
{{- end }}
{{- with .RecordedEvents }}
- Recorded events: {{ . }}
{{- end }}

## Metrics
| Metric | Value |
| --- | --- |
| Event count | {{ .Metrics.EventCount }} |
| Tool calls | {{ .Metrics.ToolCallCount }} |
| Errors | {{ .Metrics.ErrorCount }} |
| Duration (s) | {{ seconds .Duration }} |
| Events per second | {{ seconds .Metrics.EventsPerSec }} |
{{- range .Metrics.TopTools }}
| Tool: {{ cell .Name }} | {{ .Count }} |
{{- end }}

## Tool calls
{{ if .ToolCalls -}}
| Tool | Arguments | Status |
| --- | --- | --- |
{{ range .ToolCalls -}}
| {{ cell .Name }} | {{ code (cell (json .Arguments)) }} | {{ .Status }} |
{{ end -}}
{{ else -}}
No tool calls recorded.
{{ end }}
## Errors
{{ if .Errors -}}
{{ range .Errors -}}
- {{ . }}
{{ end -}}
{{ else -}}
No errors recorded.
{{ end }}
## Timeline
| Timestamp | Type | Detail |
| --- | --- | --- |
{{ range .Timeline -}}
| {{ cell .Timestamp }} | {{ cell .Type }} | {{ cell .Detail }} |
{{ end -}}
`))

var comparisonTemplate = template.Must(template.New("comparison").Funcs(templateFuncs).Parse(`# Trace Diff: {{ .Left.TraceID }} vs {{ .Right.TraceID }}

| Metric | {{ cell .Left.TraceID }} | {{ cell .Right.TraceID }} |
| --- | --- | --- |
| Events | {{ .Left.Metrics.EventCount }} | {{ .Right.Metrics.EventCount }} |
| Tool calls | {{ .Left.Metrics.ToolCallCount }} | {{ .Right.Metrics.ToolCallCount }} |
| Errors | {{ .Left.Metrics.ErrorCount }} | {{ .Right.Metrics.ErrorCount }} |
| Usage tokens (approx) | {{ .Left.UsageTokens }} | {{ .Right.UsageTokens }} |
| Duration | {{ duration .Left.Metrics.DurationS }} | {{ duration .Right.Metrics.DurationS }} |

## Tool frequency
{{ if .Tools -}}
| Tool | {{ cell .Left.TraceID }} | {{ cell .Right.TraceID }} | Delta |
| --- | --- | --- | --- |
{{ range .Tools -}}
| {{ cell .Tool }} | {{ .Left }} | {{ .Right }} | {{ printf "%+d" .Delta }} |
{{ end -}}
{{ else -}}
No tool calls recorded.
{{ end -}}
`))

type reportView struct {
	TraceID   string
	Task      string
	Provider  string
	Status    string
	Duration  *float64
	Metrics   trace.Metrics
	ToolCalls []trace.ToolCall
	Errors    []string
	Timeline  []timelineRow

	FinalHash      string
	Integrity      string
	RecordedEvents string
}

type timelineRow struct {
	Timestamp string
	Type      string
	Detail    string
}

// WriteMarkdown renders a human-readable report of one trace.
func WriteMarkdown(w io.Writer, data trace.TraceData) error {
	if err := reportTemplate.Execute(w, newReportView(data)); err != nil {
		return fmt.Errorf("render markdown report: %w", err)
	}
	return nil
}

// WriteComparisonMarkdown renders a side-by-side report of two traces.
func WriteComparisonMarkdown(w io.Writer, comparison trace.Comparison) error {
	if err := comparisonTemplate.Execute(w, comparison); err != nil {
		return fmt.Errorf("render comparison report: %w", err)
	}
	return nil
}

func newReportView(data trace.TraceData) reportView {
	view := reportView{
		TraceID:   data.TraceID,
		Metrics:   trace.ComputeMetrics(data.Events, data.Manifest),
		ToolCalls: trace.CollectToolCalls(data.Events),
		Errors:    []string{},
		Timeline:  make([]timelineRow, 0, len(data.Events)),
	}
	view.Duration = view.Metrics.DurationS
	if manifest := data.Manifest; manifest != nil {
		if view.TraceID == "" {
			view.TraceID = manifest.TraceID
		}
		view.Task = manifest.Task
		view.Provider = manifest.Provider
		if view.Duration == nil && manifest.DurationS != nil {
			view.Duration = manifest.DurationS
		}
		view.FinalHash = manifest.FinalHash
	}
	if end, ok := trace.FindRunEnd(data.Events); ok {
		if end.FinalHash != "" {
			view.FinalHash = end.FinalHash
		}
		view.Integrity = end.IntegrityLabel()
		if end.EventCount != nil {
			view.RecordedEvents = strconv.Itoa(*end.EventCount)
		}
	}

	for _, event := range data.Events {
		switch event.Type {
		case trace.EventRunStart:
			if view.Task == "" {
				view.Task = event.Text(trace.FieldTask)
			}
			if view.Provider == "" {
				view.Provider = event.Text(trace.FieldProvider)
			}
		case trace.EventToolError:
			if message := event.Text(trace.FieldError); message != "" {
				view.Errors = append(view.Errors, message)
			}
		case trace.EventRunEnd:
			status := event.Text(trace.FieldStatus)
			if view.Status == "" {
				view.Status = status
			}
			if status == "error" {
				if summary := event.Text(trace.FieldSummary); summary != "" {
					view.Errors = append(view.Errors, summary)
				}
			}
		}
		view.Timeline = append(view.Timeline, timelineRow{
			Timestamp: event.Timestamp,
			Type:      string(event.Type),
			Detail:    truncateRunes(timelineDetail(event), timelineDetailLimit),
		})
	}
	return view
}

func timelineDetail(event trace.Event) string {
	for _, key := range []string{trace.FieldSummary, trace.FieldContent, trace.FieldToolName} {
		if text := event.Text(key); text != "" {
			return text
		}
	}
	return ""
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// markdownCell keeps a value on one table row.
func markdownCell(value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", `\|`)
}

func formatSeconds(seconds *float64) string {
	if seconds == nil {
		return "–"
	}
	return fmt.Sprintf("%.3f", *seconds)
}

// codeSpan wraps text in a backtick fence longer than any backtick run
// inside it.
func codeSpan(text string) string {
	longest, run := 0, 0
	for _, r := range text {
		if r != '`' {
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
	}
	fence := strings.Repeat("`", longest+1)
	if strings.HasPrefix(text, "`") || strings.HasSuffix(text, "`") {
		text = " " + text + " "
	}
	return fence + text + fence
}

func compactJSON(value any) string {
	encoded, err := trace.MarshalJSON(value)
	if err != nil {
		return trace.TextOf(value)
	}
	return string(encoded)
}
