package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/traceview/internal/config"
	"github.com/ongoingai/traceview/internal/correlation"
	"github.com/ongoingai/traceview/internal/pathutil"
)

const (
	instrumentationName = "traceview"
)

// Runtime exposes OpenTelemetry HTTP wrappers and the inspector's metric
// hooks. A disabled Runtime, or a nil one, turns every method into a no-op.
type Runtime struct {
	enabled     bool
	counters    counters
	shutdownFns []func(context.Context) error
}

type counters struct {
	eventsDecoded     metric.Int64Counter
	decodeFailures    metric.Int64Counter
	cacheWriteFailed  metric.Int64Counter
	cacheQueueDropped metric.Int64Counter
	liveRuns          metric.Int64Counter
}

// otlpTarget is a collector host plus whether to skip TLS.
type otlpTarget struct {
	host     string
	insecure bool
	timeout  time.Duration
}

// Setup installs the global tracer and meter providers described by cfg and
// returns the runtime hooks. With cfg.Enabled false it returns a disabled
// Runtime.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	target, err := resolveOTLPTarget(cfg)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		exporter, err := newOTLPTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(NewScrubbingExporter(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		runtime.shutdownFns = append(runtime.shutdownFns, provider.Shutdown)
	}

	if cfg.MetricsEnabled {
		provider, err := newMeterProvider(ctx, target, time.Duration(cfg.MetricExportIntervalMS)*time.Millisecond, res)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, err
		}
		otel.SetMeterProvider(provider)
		runtime.shutdownFns = append(runtime.shutdownFns, provider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.counters = newCounters(otel.Meter(instrumentationName), logger)
	runtime.enabled = true

	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", target.host,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}
	return runtime, nil
}

// NewOTLPTraceExporter builds an OTLP/HTTP span exporter for cfg's endpoint.
// The span-tree exporter uses it directly; runtime tracing wraps it in a
// batcher.
func NewOTLPTraceExporter(ctx context.Context, cfg config.OTelConfig) (sdktrace.SpanExporter, error) {
	target, err := resolveOTLPTarget(cfg)
	if err != nil {
		return nil, err
	}
	return newOTLPTraceExporter(ctx, target)
}

func resolveOTLPTarget(cfg config.OTelConfig) (otlpTarget, error) {
	host, schemeInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return otlpTarget{}, err
	}
	target := otlpTarget{
		host:     host,
		insecure: cfg.Insecure,
		timeout:  time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}
	if strings.Contains(cfg.Endpoint, "://") {
		// An explicit scheme decides transport security.
		target.insecure = schemeInsecure
	}
	return target, nil
}

func newOTLPTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.host)}
	if target.timeout > 0 {
		options = append(options, otlptracehttp.WithTimeout(target.timeout))
	}
	if target.insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
	}
	return exporter, nil
}

func newMeterProvider(ctx context.Context, target otlpTarget, interval time.Duration, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.host)}
	readerOptions := []sdkmetric.PeriodicReaderOption{sdkmetric.WithInterval(interval)}
	if target.timeout > 0 {
		options = append(options, otlpmetrichttp.WithTimeout(target.timeout))
		readerOptions = append(readerOptions, sdkmetric.WithTimeout(target.timeout))
	}
	if target.insecure {
		options = append(options, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOptions...)),
	), nil
}

func newCounters(meter metric.Meter, logger *slog.Logger) counters {
	var c counters
	for _, def := range []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&c.eventsDecoded, "traceview.events.decoded_total", "Trace events decoded from upstream streams and responses."},
		{&c.decodeFailures, "traceview.events.decode_failures_total", "Event streams aborted by a malformed or oversized frame."},
		{&c.cacheWriteFailed, "traceview.cache.write_failed_total", "Trace snapshots dropped after cache write failures."},
		{&c.cacheQueueDropped, "traceview.cache.queue_dropped_total", "Trace snapshots dropped because the cache writer queue was full."},
		{&c.liveRuns, "traceview.runs.total", "Live agent runs streamed through the inspector, by outcome."},
	} {
		counter, err := meter.Int64Counter(def.name, metric.WithDescription(def.description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", def.name, "error", err)
		}
		*def.target = counter
	}
	return c
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"traceview.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds the correlation id and the inspected trace id
// to the request span and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := NewStatusRecorder(w)
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if status := recorder.StatusCode(); status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", status))
		}
		if id, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("traceview.correlation_id", id))
		}
		if traceID := traceIDFromPath(req.URL.EscapedPath()); traceID != "" {
			span.SetAttributes(attribute.String("traceview.trace_id", traceID))
		}
	})
}

// WrapHTTPTransport wraps the upstream client transport with OpenTelemetry
// spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordEventsDecoded counts events decoded for source (fetch, replay, run).
func (r *Runtime) RecordEventsDecoded(source string, count int) {
	if r.Enabled() {
		addCount(r.counters.eventsDecoded, int64(count), sourceAttr(source))
	}
}

// RecordDecodeFailure counts a stream aborted by a bad frame.
func (r *Runtime) RecordDecodeFailure(source string) {
	if r.Enabled() {
		addCount(r.counters.decodeFailures, 1, sourceAttr(source))
	}
}

// RecordCacheWriteFailure counts a snapshot the cache writer could not persist.
func (r *Runtime) RecordCacheWriteFailure(errorClass, driver string) {
	if r.Enabled() {
		addCount(r.counters.cacheWriteFailed, 1,
			attribute.String("error_class", strings.TrimSpace(errorClass)),
			attribute.String("store", strings.TrimSpace(driver)),
		)
	}
}

// RecordCacheQueueDrop counts a snapshot rejected by a full writer queue.
func (r *Runtime) RecordCacheQueueDrop() {
	if r.Enabled() {
		addCount(r.counters.cacheQueueDropped, 1)
	}
}

// RecordLiveRun counts a finished live run by outcome (ok, error, cancelled).
func (r *Runtime) RecordLiveRun(outcome string) {
	if r.Enabled() {
		addCount(r.counters.liveRuns, 1, attribute.String("outcome", strings.TrimSpace(outcome)))
	}
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String("source", strings.TrimSpace(source))
}

func addCount(counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil || n <= 0 {
		return
	}
	if len(attrs) == 0 {
		counter.Add(context.Background(), n)
		return
	}
	counter.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

// Shutdown flushes and stops the providers in reverse start order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		errs = append(errs, r.shutdownFns[i](ctx))
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath keeps span names and metric labels low-cardinality by
// folding trace ids out of the path.
func routePatternForPath(path string) string {
	switch {
	case pathutil.HasPathPrefix(path, "/api/traces"):
		if path == "/api/traces" || path == "/api/traces/" {
			return "/api/traces"
		}
		return "/api/traces/*"
	case pathutil.HasPathPrefix(path, "/api/replay"):
		return "/api/replay/*"
	case pathutil.HasPathPrefix(path, "/api/run"):
		return "/api/run"
	case pathutil.HasPathPrefix(path, "/api"):
		return "/api/*"
	case path == "/" || path == "":
		return "/"
	default:
		return "/other"
	}
}

// traceIDFromPath returns the {id} segment of /api/traces/{id}[/...] paths.
func traceIDFromPath(path string) string {
	id, _ := pathutil.Segment(path, "/api/traces")
	return id
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "upstream " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}
