package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ongoingai/traceview/internal/api"
	"github.com/ongoingai/traceview/internal/config"
	"github.com/ongoingai/traceview/internal/observability"
	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/version"
	"github.com/ongoingai/traceview/internal/workbench"
)

const defaultConfigPath = "traceview.yaml"

const cacheWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		return runServe(nil, out, errOut)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "serve":
		return runServe(args[1:], out, errOut)
	case "config":
		return runConfig(args[1:], out, errOut)
	case "traces":
		return runTraces(args[1:], out, errOut)
	case "show":
		return runShow(args[1:], out, errOut)
	case "replay":
		return runReplay(args[1:], out, errOut)
	case "run":
		return runLive(args[1:], out, errOut)
	case "compare":
		return runCompare(args[1:], out, errOut)
	case "query":
		return runQuery(args[1:], out, errOut)
	case "export":
		return runExport(args[1:], out, errOut)
	case "help", "--help", "-h":
		printUsage(out)
		return 0
	default:
		printUsage(errOut)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	logger, err := observability.NewLogger(out, cfg.Logging)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize logging: %v\n", err)
		return 1
	}
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
		otelRuntime = nil
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	cache, err := openCache(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s cache: %v\n", cfg.Cache.Driver, err)
		return 1
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("failed to close trace cache", "error", err)
		}
	}()

	writer := store.NewWriter(cache, cfg.Cache.WriterQueue)
	attachCacheWriterHooks(logger, writer, otelRuntime, cfg.Cache.Driver)
	writer.Start(context.Background())
	defer shutdownCacheWriter(logger, writer, cacheWriterShutdownTimeout)

	var transport http.RoundTripper = http.DefaultTransport
	if otelRuntime != nil {
		transport = otelRuntime.WrapHTTPTransport(transport)
	}
	upstream, err := newUpstreamClient(cfg, transport, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to configure upstream client: %v\n", err)
		return 1
	}

	options := workbench.Options{
		Upstream: upstream,
		Cache:    cache,
		Writer:   writer,
		Logger:   logger,
	}
	if otelRuntime != nil {
		options.Recorder = otelRuntime
	}
	bench, err := workbench.New(options)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize workbench: %v\n", err)
		return 1
	}

	var handler http.Handler = api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Workbench:   bench,
		CacheDriver: cfg.Cache.Driver,
		CachePath:   cfg.Cache.Path,
		Logger:      logger,
	})
	if otelRuntime != nil {
		handler = otelRuntime.SpanEnrichmentMiddleware(handler)
		handler = otelRuntime.WrapHTTPHandler(handler)
	}
	server := newServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"upstream", upstream.BaseURL(),
		"cache_driver", cfg.Cache.Driver,
		"config_path", *configPath,
		"otel_enabled", otelRuntime != nil && otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("traceview stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("traceview failed", "error", err)
			return 1
		}
		return 0
	}
}

// newServer leaves WriteTimeout unset; replay and run streams stay open for
// as long as the recording service keeps them open.
func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func shutdownCacheWriter(logger *slog.Logger, writer *store.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending live run snapshots before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending live run snapshots before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachCacheWriterHooks(logger *slog.Logger, writer *store.Writer, otelRuntime *observability.Runtime, driver string) {
	if writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure store.WriteFailure) {
		if otelRuntime != nil {
			otelRuntime.RecordCacheWriteFailure(failure.ErrorClass, driver)
		}
		if logger != nil {
			logger.Error(
				"trace cache write failed; dropped live run snapshot",
				"trace_id", failure.TraceID,
				"event_count", failure.EventCount,
				"error_class", failure.ErrorClass,
				"error_kind", fmt.Sprintf("%T", failure.Err),
			)
		}
	})

	if otelRuntime == nil || !otelRuntime.Enabled() {
		return
	}
	writer.SetMetrics(&store.WriterMetrics{
		OnDrop: otelRuntime.RecordCacheQueueDrop,
	})
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `usage: traceview <command> [flags]

commands:
  serve              run the HTTP API (default)
  version            print the build version
  config validate    check a config file
  traces             list recorded traces
  show <id>          print the span tree, tool calls and metrics of a trace
  replay <id>        replay a trace and print its events
  run --task TEXT    start a live run and print its events
  compare <a> <b>    compare two traces
  query <expr>       count matching events across traces
  export <id>        export a trace as json, markdown or otlp

every command accepts --config path/to/traceview.yaml`)
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: traceview config validate [--config path/to/traceview.yaml]")
}
