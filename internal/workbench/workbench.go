package workbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/traceview/internal/client"
	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/trace"
)

var (
	// ErrNotFound reports a trace the recording service does not know.
	ErrNotFound = errors.New("trace not found")
	// ErrTaskRequired rejects a live run without a task.
	ErrTaskRequired = errors.New("run task is required")
	// ErrRunInProgress rejects a second live run while one is streaming.
	ErrRunInProgress = errors.New("a live run is already in progress")
)

const (
	SourceFetch  = "fetch"
	SourceReplay = "replay"
	SourceRun    = "run"

	RunOutcomeOK        = "ok"
	RunOutcomeError     = "error"
	RunOutcomeCancelled = "cancelled"
)

// queryConcurrency bounds how many traces a query loads at once.
const queryConcurrency = 4

// Upstream is the recording service as seen by the workbench.
// *client.Client satisfies it.
type Upstream interface {
	ListManifests(ctx context.Context) ([]trace.Manifest, error)
	GetManifest(ctx context.Context, traceID string) (trace.Manifest, error)
	GetEvents(ctx context.Context, traceID string) ([]trace.Event, error)
	ListProviders(ctx context.Context) ([]string, error)
	Replay(ctx context.Context, traceID string, sink trace.Sink) error
	Run(ctx context.Context, request client.RunRequest, sink trace.Sink) error
}

// Recorder receives decode and run signals. *observability.Runtime
// satisfies it.
type Recorder interface {
	RecordEventsDecoded(source string, count int)
	RecordDecodeFailure(source string)
	RecordLiveRun(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordEventsDecoded(string, int) {}
func (nopRecorder) RecordDecodeFailure(string)      {}
func (nopRecorder) RecordLiveRun(string)            {}

type Options struct {
	Upstream Upstream
	// Cache defaults to an in-memory store.
	Cache store.Store
	// Writer persists live runs in the background. Without one, live runs
	// are written to Cache synchronously.
	Writer   *store.Writer
	Recorder Recorder
	Logger   *slog.Logger
}

// Workbench is the inspector state: the manifest list, the trace being
// inspected, and the live run buffer. Derivations over that state are the
// pure functions of package trace.
type Workbench struct {
	upstream Upstream
	cache    store.Store
	writer   *store.Writer
	recorder Recorder
	logger   *slog.Logger

	mu             sync.RWMutex
	manifests      []trace.Manifest
	manifestsReady bool
	activeID       string
	activeEvents   []trace.Event
	live           *liveRun
}

type liveRun struct {
	request   client.RunRequest
	traceID   string
	startedAt time.Time
	endedAt   time.Time
	events    []trace.Event
	running   bool
	outcome   string
	err       string
}

// LiveStatus is a snapshot of the current or most recent live run.
type LiveStatus struct {
	TraceID    string     `json:"trace_id,omitempty"`
	Task       string     `json:"task"`
	Provider   string     `json:"provider"`
	Running    bool       `json:"running"`
	EventCount int        `json:"event_count"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// State summarizes the workbench for diagnostics.
type State struct {
	ManifestCount     int         `json:"manifest_count"`
	ManifestsLoaded   bool        `json:"manifests_loaded"`
	ActiveTraceID     string      `json:"active_trace_id,omitempty"`
	ActiveEventCount  int         `json:"active_event_count"`
	Live              *LiveStatus `json:"live,omitempty"`
	WriterQueueLength int         `json:"writer_queue_length"`
}

// Inspection is everything derived from one trace.
type Inspection struct {
	TraceID   string            `json:"trace_id"`
	Manifest  *trace.Manifest   `json:"manifest,omitempty"`
	Events    []trace.Event     `json:"events"`
	Spans     []trace.SpanEntry `json:"spans"`
	ToolCalls []trace.ToolCall  `json:"tool_calls"`
	Metrics   trace.Metrics     `json:"metrics"`
}

// RunResult is the outcome of a completed live run.
type RunResult struct {
	TraceID string        `json:"trace_id"`
	Events  []trace.Event `json:"events"`
	Metrics trace.Metrics `json:"metrics"`
}

// QueryHit counts the events of one trace matching a query.
type QueryHit struct {
	TraceID string `json:"trace_id"`
	Task    string `json:"task"`
	Count   int    `json:"count"`
}

func New(options Options) (*Workbench, error) {
	if options.Upstream == nil {
		return nil, errors.New("workbench upstream is required")
	}
	cache := options.Cache
	if cache == nil {
		cache = store.NewMemoryStore(0)
	}
	recorder := options.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workbench{
		upstream: options.Upstream,
		cache:    cache,
		writer:   options.Writer,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Manifests returns the manifest list. The first call, and any call with
// refresh set, fetches it from the recording service and replaces the
// cached copy; otherwise the held or cached list is reused.
func (w *Workbench) Manifests(ctx context.Context, refresh bool) ([]trace.Manifest, error) {
	if !refresh {
		w.mu.RLock()
		if w.manifestsReady {
			out := cloneManifests(w.manifests)
			w.mu.RUnlock()
			return out, nil
		}
		w.mu.RUnlock()

		cached, err := w.cache.ListManifests(ctx)
		switch {
		case err == nil:
			w.setManifests(cached)
			return cloneManifests(cached), nil
		case !errors.Is(err, store.ErrNotFound):
			w.logger.Warn("trace cache manifest read failed", "error", err)
		}
	}
	return w.refreshManifests(ctx)
}

func (w *Workbench) refreshManifests(ctx context.Context) ([]trace.Manifest, error) {
	manifests, err := w.upstream.ListManifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	if err := w.cache.ReplaceManifests(ctx, manifests); err != nil {
		w.logger.Warn("trace cache manifest write failed", "error", err, "manifest_count", len(manifests))
	}
	w.setManifests(manifests)
	return cloneManifests(manifests), nil
}

func (w *Workbench) setManifests(manifests []trace.Manifest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.manifests = cloneManifests(manifests)
	w.manifestsReady = true
}

// FilteredManifests returns the manifests matching filter, in list order.
func (w *Workbench) FilteredManifests(ctx context.Context, filter trace.ManifestFilter, refresh bool) ([]trace.Manifest, error) {
	manifests, err := w.Manifests(ctx, refresh)
	if err != nil {
		return nil, err
	}
	return trace.FilterManifests(manifests, filter), nil
}

// Manifest looks traceID up in the held list, then the cache, then the
// recording service.
func (w *Workbench) Manifest(ctx context.Context, traceID string) (trace.Manifest, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return trace.Manifest{}, fmt.Errorf("trace id is required: %w", ErrNotFound)
	}

	w.mu.RLock()
	for _, manifest := range w.manifests {
		if manifest.TraceID == traceID {
			w.mu.RUnlock()
			return manifest, nil
		}
	}
	w.mu.RUnlock()

	manifest, err := w.cache.GetManifest(ctx, traceID)
	if err == nil {
		return manifest, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("trace cache manifest lookup failed", "trace_id", traceID, "error", err)
	}

	manifest, err = w.upstream.GetManifest(ctx, traceID)
	if err != nil {
		return trace.Manifest{}, upstreamError("get manifest", traceID, err)
	}
	return manifest, nil
}

// Events returns the events of traceID, reading through the cache unless
// refresh is set.
func (w *Workbench) Events(ctx context.Context, traceID string, refresh bool) ([]trace.Event, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, fmt.Errorf("trace id is required: %w", ErrNotFound)
	}

	if !refresh {
		events, err := w.cache.GetEvents(ctx, traceID)
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("trace cache event read failed", "trace_id", traceID, "error", err)
		}
	}

	events, err := w.upstream.GetEvents(ctx, traceID)
	if err != nil {
		return nil, upstreamError("get events", traceID, err)
	}
	if events == nil {
		events = []trace.Event{}
	}
	w.recordDecoded(SourceFetch, traceID, events)
	if err := w.cache.ReplaceEvents(ctx, traceID, events); err != nil {
		w.logger.Warn("trace cache event write failed", "trace_id", traceID, "error", err, "event_count", len(events))
	}
	return events, nil
}

// Load returns the manifest, when one exists, and the events of traceID.
func (w *Workbench) Load(ctx context.Context, traceID string) (trace.TraceData, error) {
	data := trace.TraceData{TraceID: strings.TrimSpace(traceID)}
	events, err := w.Events(ctx, traceID, false)
	if err != nil {
		return trace.TraceData{}, err
	}
	data.Events = events

	manifest, err := w.Manifest(ctx, traceID)
	switch {
	case err == nil:
		data.Manifest = &manifest
	case errors.Is(err, ErrNotFound):
	default:
		return trace.TraceData{}, err
	}
	return data, nil
}

// Inspect loads traceID, makes it the active trace and returns every
// derived view of it.
func (w *Workbench) Inspect(ctx context.Context, traceID string) (Inspection, error) {
	data, err := w.Load(ctx, traceID)
	if err != nil {
		return Inspection{}, err
	}

	w.mu.Lock()
	w.activeID = data.TraceID
	w.activeEvents = data.Events
	w.mu.Unlock()

	return Inspect(data), nil
}

// Inspect derives the span tree, tool calls and metrics of data.
func Inspect(data trace.TraceData) Inspection {
	events := data.Events
	if events == nil {
		events = []trace.Event{}
	}
	return Inspection{
		TraceID:   data.TraceID,
		Manifest:  data.Manifest,
		Events:    events,
		Spans:     trace.BuildSpanTree(events),
		ToolCalls: trace.CollectToolCalls(events),
		Metrics:   trace.ComputeMetrics(events, data.Manifest),
	}
}

// Replay asks the recording service to re-emit traceID, forwarding each
// decoded event to sink (which may be nil). On success the cached events of
// the trace are replaced by the replayed sequence.
func (w *Workbench) Replay(ctx context.Context, traceID string, sink trace.Sink) ([]trace.Event, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, fmt.Errorf("trace id is required: %w", ErrNotFound)
	}

	events := make([]trace.Event, 0)
	err := w.upstream.Replay(ctx, traceID, func(event trace.Event) error {
		events = append(events, event)
		if sink != nil {
			return sink(event)
		}
		return nil
	})
	w.recordDecoded(SourceReplay, traceID, events)
	if err != nil {
		if isDecodeFailure(err) {
			w.recorder.RecordDecodeFailure(SourceReplay)
		}
		return nil, upstreamError("replay", traceID, err)
	}

	if err := w.cache.ReplaceEvents(ctx, traceID, events); err != nil {
		return events, fmt.Errorf("cache replayed trace %q: %w", traceID, err)
	}

	w.mu.Lock()
	if w.activeID == traceID {
		w.activeEvents = events
	}
	w.mu.Unlock()

	w.logger.Info("trace replayed", "trace_id", traceID, "event_count", len(events))
	return events, nil
}

// LiveRun starts a new agent run and forwards each event to sink as it is
// decoded. Cancelling ctx closes the stream. A completed run is handed to
// the snapshot writer and the manifest list is refreshed.
func (w *Workbench) LiveRun(ctx context.Context, request client.RunRequest, sink trace.Sink) (RunResult, error) {
	request = request.Normalize()
	if request.Task == "" {
		return RunResult{}, ErrTaskRequired
	}

	run := &liveRun{request: request, startedAt: time.Now().UTC(), running: true}
	w.mu.Lock()
	if w.live != nil && w.live.running {
		w.mu.Unlock()
		return RunResult{}, ErrRunInProgress
	}
	w.live = run
	w.mu.Unlock()

	err := w.upstream.Run(ctx, request, func(event trace.Event) error {
		w.mu.Lock()
		run.events = append(run.events, event)
		if run.traceID == "" && event.TraceID != "" {
			run.traceID = event.TraceID
		}
		w.mu.Unlock()
		if sink != nil {
			return sink(event)
		}
		return nil
	})

	w.mu.Lock()
	run.running = false
	run.endedAt = time.Now().UTC()
	events := append([]trace.Event(nil), run.events...)
	traceID := run.traceID
	switch {
	case err == nil:
		run.outcome = RunOutcomeOK
	case ctx.Err() != nil:
		run.outcome = RunOutcomeCancelled
		run.err = err.Error()
	default:
		run.outcome = RunOutcomeError
		run.err = err.Error()
	}
	outcome := run.outcome
	w.mu.Unlock()

	w.recordDecoded(SourceRun, traceID, events)
	w.recorder.RecordLiveRun(outcome)
	if err != nil {
		if isDecodeFailure(err) {
			w.recorder.RecordDecodeFailure(SourceRun)
		}
		w.logger.Warn("live run ended with error", "trace_id", traceID, "outcome", outcome, "event_count", len(events), "error", err)
		return RunResult{TraceID: traceID, Events: events}, fmt.Errorf("live run: %w", err)
	}

	if traceID != "" {
		w.persistRun(ctx, traceID, events)
		if _, err := w.refreshManifests(ctx); err != nil {
			w.logger.Warn("manifest refresh after live run failed", "trace_id", traceID, "error", err)
		}
	}
	w.logger.Info("live run complete", "trace_id", traceID, "event_count", len(events))
	return RunResult{
		TraceID: traceID,
		Events:  events,
		Metrics: trace.ComputeMetrics(events, nil),
	}, nil
}

func (w *Workbench) persistRun(ctx context.Context, traceID string, events []trace.Event) {
	if w.writer != nil {
		if !w.writer.Enqueue(store.Snapshot{TraceID: traceID, Events: events}) {
			w.logger.Warn("trace cache writer queue full; dropping live run snapshot", "trace_id", traceID, "event_count", len(events))
		}
		return
	}
	if err := w.cache.ReplaceEvents(ctx, traceID, events); err != nil {
		w.logger.Warn("trace cache event write failed", "trace_id", traceID, "error", err, "event_count", len(events))
	}
}

// LiveStatus returns the current or most recent live run, or nil.
func (w *Workbench) LiveStatus() *LiveStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.liveStatusLocked()
}

func (w *Workbench) liveStatusLocked() *LiveStatus {
	if w.live == nil {
		return nil
	}
	status := &LiveStatus{
		TraceID:    w.live.traceID,
		Task:       w.live.request.Task,
		Provider:   w.live.request.Provider,
		Running:    w.live.running,
		EventCount: len(w.live.events),
		StartedAt:  w.live.startedAt,
		Outcome:    w.live.outcome,
		Error:      w.live.err,
	}
	if !w.live.endedAt.IsZero() {
		endedAt := w.live.endedAt
		status.EndedAt = &endedAt
	}
	return status
}

// LiveEvents returns a copy of the live run buffer.
func (w *Workbench) LiveEvents() []trace.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.live == nil {
		return []trace.Event{}
	}
	return append([]trace.Event{}, w.live.events...)
}

// recordDecoded counts decoded events and notes any types outside the
// recorder's vocabulary. Such events are kept and shown as-is.
func (w *Workbench) recordDecoded(source, traceID string, events []trace.Event) {
	w.recorder.RecordEventsDecoded(source, len(events))
	var unknown []string
	seen := make(map[trace.EventType]bool)
	for _, event := range events {
		if event.Type.Known() || seen[event.Type] {
			continue
		}
		seen[event.Type] = true
		unknown = append(unknown, string(event.Type))
	}
	if len(unknown) > 0 {
		w.logger.Debug("trace carries unrecognized event types", "source", source, "trace_id", traceID, "event_types", unknown)
	}
}

func (w *Workbench) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return State{
		ManifestCount:     len(w.manifests),
		ManifestsLoaded:   w.manifestsReady,
		ActiveTraceID:     w.activeID,
		ActiveEventCount:  len(w.activeEvents),
		Live:              w.liveStatusLocked(),
		WriterQueueLength: w.writer.QueueLen(),
	}
}

// Compare loads both traces concurrently and compares them.
func (w *Workbench) Compare(ctx context.Context, leftID, rightID string) (trace.Comparison, error) {
	var left, right trace.TraceData
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		data, err := w.Load(groupCtx, leftID)
		if err != nil {
			return err
		}
		left = data
		return nil
	})
	group.Go(func() error {
		data, err := w.Load(groupCtx, rightID)
		if err != nil {
			return err
		}
		right = data
		return nil
	})
	if err := group.Wait(); err != nil {
		return trace.Comparison{}, err
	}
	return trace.Compare(left, right), nil
}

// Query counts the events of every listed trace matching expression and
// returns the traces with at least one match, in manifest order.
func (w *Workbench) Query(ctx context.Context, expression string) ([]QueryHit, error) {
	query, err := trace.ParseQuery(expression)
	if err != nil {
		return nil, err
	}
	manifests, err := w.Manifests(ctx, false)
	if err != nil {
		return nil, err
	}

	counts := make([]int, len(manifests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(queryConcurrency)
	for i := range manifests {
		i := i
		group.Go(func() error {
			events, err := w.Events(groupCtx, manifests[i].TraceID, false)
			if errors.Is(err, ErrNotFound) {
				w.logger.Warn("query skipped trace without events", "trace_id", manifests[i].TraceID)
				return nil
			}
			if err != nil {
				return err
			}
			counts[i] = query.Count(events, &manifests[i])
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	hits := make([]QueryHit, 0)
	for i, manifest := range manifests {
		if counts[i] == 0 {
			continue
		}
		hits = append(hits, QueryHit{TraceID: manifest.TraceID, Task: manifest.Task, Count: counts[i]})
	}
	return hits, nil
}

func (w *Workbench) Providers(ctx context.Context) ([]string, error) {
	providers, err := w.upstream.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return providers, nil
}

func (w *Workbench) CacheStats(ctx context.Context) (store.Stats, error) {
	return w.cache.Stats(ctx)
}

// WriterDiagnostics reports the snapshot writer, or false without one.
func (w *Workbench) WriterDiagnostics() (store.WriterDiagnostics, bool) {
	if w.writer == nil {
		return store.WriterDiagnostics{}, false
	}
	return w.writer.Diagnostics(), true
}

func upstreamError(op, traceID string, err error) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("%s %q: %w", op, traceID, ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, traceID, err)
}

func isDecodeFailure(err error) bool {
	return errors.Is(err, trace.ErrMalformedPayload) || errors.Is(err, trace.ErrFrameTooLarge)
}

func cloneManifests(manifests []trace.Manifest) []trace.Manifest {
	out := make([]trace.Manifest, len(manifests))
	copy(out, manifests)
	return out
}
