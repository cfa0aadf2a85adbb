package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-logfmt/logfmt"

	"github.com/ongoingai/traceview/internal/client"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("value must not be empty")
	}
	*l = append(*l, value)
	return nil
}

func runReplay(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("replay", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatFlag := flagSet.String("format", formatJSON, "Output format: json or logfmt")
	positional, err := parseInterspersed(flagSet, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(errOut, "usage: traceview replay <trace-id> [--format json|logfmt]")
		return 2
	}
	format, err := normalizeFormat("replay", *formatFlag, formatJSON, formatJSON, formatLogfmt)
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
	events, err := env.bench.Replay(ctx, positional[0], newEventPrinter(out, format))
	if err != nil {
		reportTraceError(errOut, positional[0], err)
		return 1
	}
	env.logger.Debug("replay complete", "trace_id", positional[0], "event_count", len(events))
	return 0
}

func runLive(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	task := flagSet.String("task", "", "Task for the agent")
	root := flagSet.String("root", ".", "Workspace root the agent runs in")
	provider := flagSet.String("provider", "heuristic", "Agent provider")
	allowNet := flagSet.Bool("allow-net", false, "Allow network access during the run")
	var plugins stringList
	flagSet.Var(&plugins, "plugin", "Plugin to enable (repeatable)")
	formatFlag := flagSet.String("format", formatJSON, "Output format: json or logfmt")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "run does not accept positional arguments")
		return 2
	}
	format, err := normalizeFormat("run", *formatFlag, formatJSON, formatJSON, formatLogfmt)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	request := client.RunRequest{
		Task:     *task,
		Root:     *root,
		Provider: *provider,
		AllowNet: *allowNet,
		Plugins:  []string(plugins),
	}.Normalize()
	if request.Task == "" {
		fmt.Fprintln(errOut, "--task is required")
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	ctx, stop := commandContext()
	defer stop()
	result, err := env.bench.LiveRun(ctx, request, newEventPrinter(out, format))
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Fprintf(errOut, "run interrupted after %d events\n", len(result.Events))
		case errors.Is(err, workbench.ErrTaskRequired):
			fmt.Fprintln(errOut, err)
			return 2
		default:
			fmt.Fprintf(errOut, "live run failed: %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(
		errOut,
		"run complete: trace_id=%s events=%d tool_calls=%d errors=%d duration=%s\n",
		valueOr(result.TraceID, "(unknown)"),
		result.Metrics.EventCount,
		result.Metrics.ToolCallCount,
		result.Metrics.ErrorCount,
		trace.FormatDuration(result.Metrics.DurationS),
	)
	return 0
}

// newEventPrinter writes each event as one line: a JSON object, or a
// logfmt record with the envelope first and the remaining fields by key.
func newEventPrinter(out io.Writer, format string) trace.Sink {
	if format == formatLogfmt {
		encoder := logfmt.NewEncoder(out)
		return func(event trace.Event) error {
			return writeEventLogfmt(encoder, event)
		}
	}
	return func(event trace.Event) error {
		payload, err := event.MarshalJSON()
		if err != nil {
			return err
		}
		payload = append(payload, '\n')
		_, err = out.Write(payload)
		return err
	}
}

func writeEventLogfmt(encoder *logfmt.Encoder, event trace.Event) error {
	envelope := []string{
		"ts", event.Timestamp,
		"type", string(event.Type),
		"trace_id", event.TraceID,
	}
	if event.SpanID != "" {
		envelope = append(envelope, "span_id", event.SpanID)
	}
	if event.ParentSpanID != "" {
		envelope = append(envelope, "parent_span_id", event.ParentSpanID)
	}
	for i := 0; i < len(envelope); i += 2 {
		if err := encoder.EncodeKeyval(envelope[i], envelope[i+1]); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(event.Fields))
	for key := range event.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		err := encoder.EncodeKeyval(key, trace.TextOf(event.Fields[key]))
		if errors.Is(err, logfmt.ErrInvalidKey) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return encoder.EndRecord()
}
