package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/traceview/internal/export"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

const (
	traceListSchemaVersion   = "trace-list.v1"
	traceDetailSchemaVersion = "trace-detail.v1"
	queryResultSchemaVersion = "query-result.v1"
)

type traceListDocument struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Filters       traceListFilters `json:"filters"`
	Total         int              `json:"total"`
	Items         []trace.Manifest `json:"items"`
}

type traceListFilters struct {
	Query        string `json:"q,omitempty"`
	Provider     string `json:"provider,omitempty"`
	DurationMin  string `json:"duration_min,omitempty"`
	DurationMax  string `json:"duration_max,omitempty"`
	ToolCallsMin string `json:"tool_calls_min,omitempty"`
}

type traceDetailDocument struct {
	SchemaVersion string `json:"schema_version"`
	workbench.Inspection
}

type queryResultDocument struct {
	SchemaVersion string               `json:"schema_version"`
	Query         string               `json:"query"`
	Total         int                  `json:"total"`
	Hits          []workbench.QueryHit `json:"hits"`
}

func runTraces(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("traces", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	query := flagSet.String("q", "", "Substring matched against trace id, task and provider")
	provider := flagSet.String("provider", "", "Provider name, or \"all\"")
	durationMin := flagSet.String("duration-min", "", "Minimum duration in seconds")
	durationMax := flagSet.String("duration-max", "", "Maximum duration in seconds")
	toolCallsMin := flagSet.String("tool-calls-min", "", "Minimum number of tool calls")
	refresh := flagSet.Bool("refresh", false, "Fetch the manifest list from the recording service")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "traces does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("traces", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	filter := trace.ManifestFilter{
		Query:        *query,
		Provider:     *provider,
		DurationMin:  *durationMin,
		DurationMax:  *durationMax,
		ToolCallsMin: *toolCallsMin,
	}
	ctx, stop := commandContext()
	defer stop()
	manifests, err := env.bench.FilteredManifests(ctx, filter, *refresh)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list traces: %v\n", err)
		return 1
	}

	if format == formatJSON {
		err = writeDocumentJSON(out, traceListDocument{
			SchemaVersion: traceListSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Filters: traceListFilters{
				Query:        filter.Query,
				Provider:     filter.Provider,
				DurationMin:  filter.DurationMin,
				DurationMax:  filter.DurationMax,
				ToolCallsMin: filter.ToolCallsMin,
			},
			Total: len(manifests),
			Items: manifests,
		})
	} else {
		err = writeTraceListText(out, manifests)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write traces: %v\n", err)
		return 1
	}
	return 0
}

func writeTraceListText(out io.Writer, manifests []trace.Manifest) error {
	if len(manifests) == 0 {
		_, err := fmt.Fprintln(out, "(no traces)")
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "TRACE_ID\tPROVIDER\tDURATION\tEVENTS\tTOOL_CALLS\tERRORS\tSTARTED_AT\tTASK")
	for _, manifest := range manifests {
		var duration *float64
		if seconds, ok := manifest.Duration(); ok {
			duration = &seconds
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			manifest.TraceID,
			valueOr(manifest.Provider, "(unknown)"),
			trace.FormatDuration(duration),
			countOr(manifest.EventCount),
			countOr(manifest.ToolCallCount),
			countOr(manifest.ErrorCount),
			valueOr(manifest.StartedAt, "(unknown)"),
			truncateText(manifest.Task, 60),
		)
	}
	return writer.Flush()
}

func runShow(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	positional, err := parseInterspersed(flagSet, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(errOut, "usage: traceview show <trace-id> [--format text|json]")
		return 2
	}
	format, err := normalizeTextJSONFormat("show", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	ctx, stop := commandContext()
	defer stop()
	inspection, err := env.bench.Inspect(ctx, positional[0])
	if err != nil {
		reportTraceError(errOut, positional[0], err)
		return 1
	}

	if format == formatJSON {
		err = writeDocumentJSON(out, traceDetailDocument{SchemaVersion: traceDetailSchemaVersion, Inspection: inspection})
	} else {
		err = newTextRenderer(out).Inspection(inspection)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write trace: %v\n", err)
		return 1
	}
	return 0
}

func runQuery(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("query", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	positional, err := parseInterspersed(flagSet, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(errOut, `usage: traceview query "type=tool_call AND tool~grep" [--format text|json]`)
		return 2
	}
	format, err := normalizeTextJSONFormat("query", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	expression := positional[0]
	if _, err := trace.ParseQuery(expression); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	ctx, stop := commandContext()
	defer stop()
	hits, err := env.bench.Query(ctx, expression)
	if err != nil {
		fmt.Fprintf(errOut, "failed to run query: %v\n", err)
		return 1
	}

	if format == formatJSON {
		err = writeDocumentJSON(out, queryResultDocument{
			SchemaVersion: queryResultSchemaVersion,
			Query:         expression,
			Total:         totalHits(hits),
			Hits:          hits,
		})
	} else {
		err = writeQueryText(out, hits)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write query result: %v\n", err)
		return 1
	}
	return 0
}

func writeQueryText(out io.Writer, hits []workbench.QueryHit) error {
	if len(hits) == 0 {
		_, err := fmt.Fprintln(out, "(no matching events)")
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "TRACE_ID\tMATCHES\tTASK")
	for _, hit := range hits {
		fmt.Fprintf(writer, "%s\t%d\t%s\n", hit.TraceID, hit.Count, truncateText(hit.Task, 60))
	}
	fmt.Fprintf(writer, "TOTAL\t%d\t\n", totalHits(hits))
	return writer.Flush()
}

func totalHits(hits []workbench.QueryHit) int {
	total := 0
	for _, hit := range hits {
		total += hit.Count
	}
	return total
}

func runCompare(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("compare", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatFlag := flagSet.String("format", formatMarkdown, "Output format: markdown or json")
	positional, err := parseInterspersed(flagSet, args)
	if err != nil {
		return 2
	}
	if len(positional) != 2 {
		fmt.Fprintln(errOut, "usage: traceview compare <left-trace-id> <right-trace-id> [--format markdown|json]")
		return 2
	}
	format, err := normalizeFormat("compare", *formatFlag, formatMarkdown, formatMarkdown, formatJSON)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	ctx, stop := commandContext()
	defer stop()
	comparison, err := env.bench.Compare(ctx, positional[0], positional[1])
	if err != nil {
		fmt.Fprintf(errOut, "failed to compare %s and %s: %v\n", positional[0], positional[1], err)
		return 1
	}

	if format == formatJSON {
		err = writeDocumentJSON(out, comparison)
	} else {
		err = export.WriteComparisonMarkdown(out, comparison)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write comparison: %v\n", err)
		return 1
	}
	return 0
}

// writeDocumentJSON writes value indented, through the same codec the API
// uses, so event documents keep their wire shape.
func writeDocumentJSON(out io.Writer, value any) error {
	compact, err := trace.MarshalJSON(value)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = out.Write(buf.Bytes())
	return err
}

func reportTraceError(errOut io.Writer, traceID string, err error) {
	switch {
	case errors.Is(err, workbench.ErrNotFound):
		fmt.Fprintf(errOut, "trace %q not found\n", traceID)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(errOut, "interrupted")
	default:
		fmt.Fprintf(errOut, "failed to load trace %q: %v\n", traceID, err)
	}
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func countOr(value *int) string {
	if value == nil {
		return "-"
	}
	return strconv.Itoa(*value)
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
