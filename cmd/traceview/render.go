package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

// textRenderer styles terminal output. The renderer is bound to the output
// writer, so redirected output carries no escape codes.
type textRenderer struct {
	out     io.Writer
	title   lipgloss.Style
	section lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	failure lipgloss.Style
}

func newTextRenderer(out io.Writer) *textRenderer {
	renderer := lipgloss.NewRenderer(out)
	return &textRenderer{
		out:     out,
		title:   renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		section: renderer.NewStyle().Foreground(lipgloss.Color("205")),
		label:   renderer.NewStyle().Foreground(lipgloss.Color("252")),
		dim:     renderer.NewStyle().Foreground(lipgloss.Color("241")),
		failure: renderer.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func (r *textRenderer) Inspection(inspection workbench.Inspection) error {
	fmt.Fprintln(r.out, r.title.Render("Trace "+inspection.TraceID))
	writer := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	finalHash := ""
	if manifest := inspection.Manifest; manifest != nil {
		fmt.Fprintf(writer, "Task\t%s\n", valueOr(manifest.Task, "(none)"))
		fmt.Fprintf(writer, "Provider\t%s\n", valueOr(manifest.Provider, "(unknown)"))
		fmt.Fprintf(writer, "Started at\t%s\n", valueOr(manifest.StartedAt, "(unknown)"))
		fmt.Fprintf(writer, "Ended at\t%s\n", valueOr(manifest.EndedAt, "(running)"))
		if manifest.RootDir != "" {
			fmt.Fprintf(writer, "Root\t%s\n", manifest.RootDir)
		}
		finalHash = manifest.FinalHash
	}
	end, ended := trace.FindRunEnd(inspection.Events)
	if ended && end.FinalHash != "" {
		finalHash = end.FinalHash
	}
	if finalHash != "" {
		fmt.Fprintf(writer, "Final hash\t%s\n", finalHash)
	}
	if label := end.IntegrityLabel(); label != "" {
		if end.IntegrityOK != nil && !*end.IntegrityOK {
			label = r.failure.Render(label)
		}
		fmt.Fprintf(writer, "Integrity\t%s\n", label)
	}
	if end.EventCount != nil {
		fmt.Fprintf(writer, "Recorded events\t%d\n", *end.EventCount)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(r.out)
	if err := r.Metrics(inspection.Metrics); err != nil {
		return err
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.section.Render("Span tree"))
	if len(inspection.Spans) == 0 {
		fmt.Fprintln(r.out, r.dim.Render("(no spans)"))
	}
	for _, entry := range inspection.Spans {
		fmt.Fprintln(r.out, r.spanLine(entry))
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.section.Render("Tool calls"))
	if len(inspection.ToolCalls) == 0 {
		fmt.Fprintln(r.out, r.dim.Render("(no tool calls)"))
		return nil
	}
	writer = tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTOOL\tSTATUS\tARGUMENTS\tOUTCOME")
	for _, call := range inspection.ToolCalls {
		outcome := trace.TextOf(call.Result)
		status := string(call.Status)
		if call.Status == trace.ToolCallError {
			outcome = call.Error
			status = r.failure.Render(status)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			valueOr(call.ID, "-"),
			call.Name,
			status,
			truncateText(singleLine(trace.TextOf(call.Arguments)), 48),
			truncateText(singleLine(outcome), 48),
		)
	}
	return writer.Flush()
}

func (r *textRenderer) Metrics(metrics trace.Metrics) error {
	fmt.Fprintln(r.out, r.section.Render("Metrics"))
	writer := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "%s\t%s\n", r.label.Render("Duration"), trace.FormatDuration(metrics.DurationS))
	fmt.Fprintf(writer, "%s\t%d\n", r.label.Render("Events"), metrics.EventCount)
	fmt.Fprintf(writer, "%s\t%d\n", r.label.Render("Tool calls"), metrics.ToolCallCount)
	fmt.Fprintf(writer, "%s\t%d\n", r.label.Render("Errors"), metrics.ErrorCount)
	rate := "-"
	if metrics.EventsPerSec != nil {
		rate = fmt.Sprintf("%.2f/s", *metrics.EventsPerSec)
	}
	fmt.Fprintf(writer, "%s\t%s\n", r.label.Render("Event rate"), rate)
	if len(metrics.TopTools) > 0 {
		tools := make([]string, 0, len(metrics.TopTools))
		for _, tool := range metrics.TopTools {
			tools = append(tools, fmt.Sprintf("%s (%d)", tool.Name, tool.Count))
		}
		fmt.Fprintf(writer, "%s\t%s\n", r.label.Render("Top tools"), strings.Join(tools, ", "))
	}
	return writer.Flush()
}

func (r *textRenderer) spanLine(entry trace.SpanEntry) string {
	event := entry.Event
	line := strings.Repeat("  ", entry.Depth) + string(event.Type) + " " + r.dim.Render(event.SpanID)
	if detail := spanDetail(event); detail != "" {
		line += "  " + detail
	}
	if event.Type == trace.EventToolError {
		return r.failure.Render(line)
	}
	return line
}

func spanDetail(event trace.Event) string {
	switch event.Type {
	case trace.EventRunStart:
		return truncateText(singleLine(event.Text(trace.FieldTask)), 60)
	case trace.EventToolCall:
		return event.ToolName()
	case trace.EventToolResult:
		if name := event.Text(trace.FieldToolName); name != "" {
			return name
		}
		return truncateText(singleLine(trace.TextOf(event.Result())), 60)
	case trace.EventToolError:
		return event.ToolName() + ": " + truncateText(singleLine(event.ErrorText()), 60)
	case trace.EventRunEnd:
		return event.Text(trace.FieldStatus)
	case trace.EventMessage, trace.EventPlan:
		return truncateText(singleLine(event.Text(trace.FieldContent)), 60)
	default:
		return ""
	}
}

func singleLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
