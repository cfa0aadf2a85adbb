package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ongoingai/traceview/internal/config"
	"github.com/ongoingai/traceview/internal/export"
	"github.com/ongoingai/traceview/internal/observability"
	"github.com/ongoingai/traceview/internal/trace"
)

func runExport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	formatFlag := flagSet.String("format", export.FormatJSON, "Export format: json, markdown or otlp")
	outputPath := flagSet.String("output", "", "Write the export to this file instead of stdout")
	scrub := flagSet.Bool("scrub", false, "Redact credential-looking values")
	endpoint := flagSet.String("endpoint", "", "OTLP endpoint; defaults to observability.otel.endpoint")
	positional, err := parseInterspersed(flagSet, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(errOut, "usage: traceview export <trace-id> [--format json|markdown|otlp] [--output path]")
		return 2
	}
	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if format == export.FormatOTLP && strings.TrimSpace(*outputPath) != "" {
		fmt.Fprintln(errOut, "--output cannot be used with --format otlp")
		return 2
	}

	env, code := newCommandEnv(*configPath, errOut)
	if env == nil {
		return code
	}
	defer env.Close()

	ctx, stop := commandContext()
	defer stop()
	traceID := positional[0]
	data, err := env.bench.Load(ctx, traceID)
	if err != nil {
		reportTraceError(errOut, traceID, err)
		return 1
	}

	if format == export.FormatOTLP {
		otelConfig := env.cfg.Observability.OTel
		if strings.TrimSpace(*endpoint) != "" {
			otelConfig.Endpoint = strings.TrimSpace(*endpoint)
		}
		count, err := exportOTLP(ctx, otelConfig, data, *scrub)
		if err != nil {
			fmt.Fprintf(errOut, "failed to export trace %q: %v\n", traceID, err)
			return 1
		}
		fmt.Fprintf(out, "exported %d spans for trace %s to %s\n", count, traceID, otelConfig.Endpoint)
		return 0
	}

	if *scrub {
		data = export.Scrub(data)
	}
	if err := writeExportFile(*outputPath, out, func(w io.Writer) error {
		if format == export.FormatMarkdown {
			return export.WriteMarkdown(w, data)
		}
		return export.WriteJSON(w, data)
	}); err != nil {
		fmt.Fprintf(errOut, "failed to export trace %q: %v\n", traceID, err)
		return 1
	}
	if strings.TrimSpace(*outputPath) != "" {
		fmt.Fprintf(errOut, "wrote %s export of %s to %s\n", format, traceID, *outputPath)
	}
	return 0
}

func exportOTLP(ctx context.Context, cfg config.OTelConfig, data trace.TraceData, scrub bool) (int, error) {
	exporter, err := observability.NewOTLPTraceExporter(ctx, cfg)
	if err != nil {
		return 0, err
	}
	count, exportErr := export.ExportSpans(ctx, exporter, data, export.OTLPOptions{
		ServiceName: cfg.ServiceName,
		Scrub:       scrub,
	})
	if err := exporter.Shutdown(ctx); err != nil && exportErr == nil {
		exportErr = fmt.Errorf("shutdown span exporter: %w", err)
	}
	return count, exportErr
}

// writeExportFile runs write against path, or against out when path is
// empty.
func writeExportFile(path string, out io.Writer, write func(io.Writer) error) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return write(out)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	buffered := bufio.NewWriter(file)
	if err := write(buffered); err != nil {
		_ = file.Close()
		return err
	}
	if err := buffered.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %q: %w", path, err)
	}
	return file.Close()
}
