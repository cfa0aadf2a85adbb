package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ongoingai/traceview/internal/client"
	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

type stubUpstream struct {
	mu sync.Mutex

	manifests []trace.Manifest
	events    map[string][]trace.Event
	replays   map[string][]trace.Event
	providers []string
	runEvents []trace.Event
	runErr    error
	// runGate blocks Run after the first event until closed or cancelled.
	runGate chan struct{}
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{
		events:  make(map[string][]trace.Event),
		replays: make(map[string][]trace.Event),
	}
}

func (s *stubUpstream) ListManifests(context.Context) ([]trace.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trace.Manifest(nil), s.manifests...), nil
}

func (s *stubUpstream) GetManifest(_ context.Context, traceID string) (trace.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, manifest := range s.manifests {
		if manifest.TraceID == traceID {
			return manifest, nil
		}
	}
	return trace.Manifest{}, &client.APIError{Method: http.MethodGet, Path: "/api/traces/" + traceID, StatusCode: http.StatusNotFound}
}

func (s *stubUpstream) GetEvents(_ context.Context, traceID string) ([]trace.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, ok := s.events[traceID]
	if !ok {
		return nil, &client.APIError{Method: http.MethodGet, Path: "/api/traces/" + traceID + "/events", StatusCode: http.StatusNotFound}
	}
	return append([]trace.Event(nil), events...), nil
}

func (s *stubUpstream) ListProviders(context.Context) ([]string, error) {
	return s.providers, nil
}

func (s *stubUpstream) Replay(_ context.Context, traceID string, sink trace.Sink) error {
	s.mu.Lock()
	events, ok := s.replays[traceID]
	s.mu.Unlock()
	if !ok {
		return &client.APIError{Method: http.MethodPost, Path: "/api/replay/" + traceID, StatusCode: http.StatusNotFound}
	}
	for _, event := range events {
		if err := sink(event); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubUpstream) Run(ctx context.Context, _ client.RunRequest, sink trace.Sink) error {
	s.mu.Lock()
	events, runErr, gate := s.runEvents, s.runErr, s.runGate
	s.mu.Unlock()
	for i, event := range events {
		if err := sink(event); err != nil {
			return err
		}
		if i == 0 && gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return runErr
}

func (s *stubUpstream) addTrace(id, provider string, events []trace.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, trace.Manifest{
		TraceID:   id,
		Task:      "task " + id,
		Provider:  provider,
		StartedAt: "2026-01-01T00:00:00Z",
		EndedAt:   "2026-01-01T00:00:10Z",
	})
	s.events[id] = events
}

func sampleEvents(traceID string, tools ...string) []trace.Event {
	events := []trace.Event{{
		TraceID:   traceID,
		Timestamp: "2026-01-01T00:00:00Z",
		Type:      trace.EventRunStart,
		SpanID:    "root",
		Fields:    map[string]any{"task": "task " + traceID},
	}}
	for i, tool := range tools {
		spanID := fmt.Sprintf("s%d", i)
		events = append(events,
			trace.Event{
				TraceID:      traceID,
				Timestamp:    fmt.Sprintf("2026-01-01T00:00:0%dZ", i+1),
				Type:         trace.EventToolCall,
				SpanID:       spanID,
				ParentSpanID: "root",
				Fields:       map[string]any{"tool_name": tool, "arguments": map[string]any{"path": "."}},
			},
			trace.Event{
				TraceID:      traceID,
				Timestamp:    fmt.Sprintf("2026-01-01T00:00:0%dZ", i+1),
				Type:         trace.EventToolResult,
				SpanID:       spanID,
				ParentSpanID: "root",
				Fields:       map[string]any{"result": "ok"},
			},
		)
	}
	return append(events, trace.Event{
		TraceID:   traceID,
		Timestamp: "2026-01-01T00:00:09Z",
		Type:      trace.EventRunEnd,
		Fields:    map[string]any{"status": "ok", "summary": "done"},
	})
}

type testRouter struct {
	handler  http.Handler
	bench    *workbench.Workbench
	upstream *stubUpstream
}

func newTestRouter(t *testing.T, upstream *stubUpstream, writer *store.Writer) testRouter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bench, err := workbench.New(workbench.Options{
		Upstream: upstream,
		Writer:   writer,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("workbench.New() error: %v", err)
	}
	return testRouter{
		handler: NewRouter(RouterOptions{
			AppVersion:  "test",
			Workbench:   bench,
			CacheDriver: store.DriverMemory,
			Logger:      logger,
		}),
		bench:    bench,
		upstream: upstream,
	}
}

func (r testRouter) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status=%d, want %d (body=%s)", rec.Code, status, rec.Body.String())
	}
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["error"] == "" {
		t.Fatalf("error body=%s, want error message", rec.Body.String())
	}
}

func TestRootAndHealth(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("t1", "heuristic", sampleEvents("t1", "grep"))
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status=%d", rec.Code)
	}
	var info map[string]string
	decodeBody(t, rec, &info)
	if info["name"] != "traceview" || info["version"] != "test" {
		t.Fatalf("service info=%v", info)
	}

	if rec := router.do(t, http.MethodGet, "/api/traces/t1/events", nil); rec.Code != http.StatusOK {
		t.Fatalf("prime events status=%d", rec.Code)
	}

	rec = router.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "ok" || health.Version != "test" || health.CacheDriver != store.DriverMemory {
		t.Fatalf("health=%+v", health)
	}
	if health.CachedTraceCount != 1 {
		t.Fatalf("cached_trace_count=%d, want 1", health.CachedTraceCount)
	}

	expectError(t, router.do(t, http.MethodPost, "/api/health", nil), http.StatusMethodNotAllowed)
	expectError(t, router.do(t, http.MethodGet, "/api/nope", nil), http.StatusNotFound)
}

func TestTracesListAppliesFilter(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("t1", "heuristic", sampleEvents("t1"))
	upstream.addTrace("t2", "openai", sampleEvents("t2"))
	upstream.addTrace("t3", "openai", sampleEvents("t3"))
	router := newTestRouter(t, upstream, nil)

	var all tracesResponse
	rec := router.do(t, http.MethodGet, "/api/traces", nil)
	decodeBody(t, rec, &all)
	if all.Total != 3 || len(all.Items) != 3 {
		t.Fatalf("unfiltered total=%d items=%d, want 3", all.Total, len(all.Items))
	}

	var filtered tracesResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces?provider=openai&q=t3", nil), &filtered)
	if filtered.Total != 1 || filtered.Items[0].TraceID != "t3" {
		t.Fatalf("filtered=%+v, want only t3", filtered)
	}

	var all2 tracesResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces?provider=all&duration_min=abc", nil), &all2)
	if all2.Total != 3 {
		t.Fatalf("provider=all total=%d, want 3", all2.Total)
	}

	expectError(t, router.do(t, http.MethodPost, "/api/traces", nil), http.StatusMethodNotAllowed)
}

func TestTraceDetailViews(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("t1", "heuristic", sampleEvents("t1", "grep", "ls"))
	router := newTestRouter(t, upstream, nil)

	var manifest trace.Manifest
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1", nil), &manifest)
	if manifest.TraceID != "t1" || manifest.Task != "task t1" {
		t.Fatalf("manifest=%+v", manifest)
	}

	var events struct {
		TraceID string           `json:"trace_id"`
		Events  []map[string]any `json:"events"`
	}
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1/events", nil), &events)
	if events.TraceID != "t1" || len(events.Events) != 6 {
		t.Fatalf("events trace=%q count=%d, want t1/6", events.TraceID, len(events.Events))
	}
	if events.Events[1]["type"] != "tool_call" || events.Events[1]["tool_name"] != "grep" {
		t.Fatalf("second event=%v", events.Events[1])
	}

	var spans struct {
		Spans []struct {
			Depth int            `json:"depth"`
			Event map[string]any `json:"event"`
		} `json:"spans"`
	}
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1/spans", nil), &spans)
	if len(spans.Spans) != 3 {
		t.Fatalf("span entries=%d, want 3", len(spans.Spans))
	}
	if spans.Spans[0].Depth != 0 || spans.Spans[0].Event["span_id"] != "root" {
		t.Fatalf("first span=%+v", spans.Spans[0])
	}
	if spans.Spans[1].Depth != 1 || spans.Spans[2].Depth != 1 {
		t.Fatalf("child depths=%d,%d, want 1,1", spans.Spans[1].Depth, spans.Spans[2].Depth)
	}

	var toolCalls traceToolCallsResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1/tool-calls", nil), &toolCalls)
	if len(toolCalls.ToolCalls) != 2 || toolCalls.ToolCalls[0].Name != "grep" || toolCalls.ToolCalls[0].Status != trace.ToolCallOK {
		t.Fatalf("tool calls=%+v", toolCalls.ToolCalls)
	}

	var metrics traceMetricsResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1/metrics", nil), &metrics)
	if metrics.Metrics.EventCount != 6 || metrics.Metrics.ToolCallCount != 2 {
		t.Fatalf("metrics=%+v", metrics.Metrics)
	}
	if metrics.Metrics.DurationS == nil || *metrics.Metrics.DurationS != 10 {
		t.Fatalf("duration=%v, want manifest duration 10", metrics.Metrics.DurationS)
	}

	if state := router.bench.State(); state.ActiveTraceID != "t1" {
		t.Fatalf("active trace=%q, want t1", state.ActiveTraceID)
	}

	expectError(t, router.do(t, http.MethodGet, "/api/traces/missing", nil), http.StatusNotFound)
	expectError(t, router.do(t, http.MethodGet, "/api/traces/missing/metrics", nil), http.StatusNotFound)
	expectError(t, router.do(t, http.MethodDelete, "/api/traces/t1/spans", nil), http.StatusMethodNotAllowed)
}

func TestTraceIDMayContainEncodedSlash(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("run/7", "heuristic", sampleEvents("run/7"))
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodGet, "/api/traces/run%2F7/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var events traceEventsResponse
	decodeBody(t, rec, &events)
	if events.TraceID != "run/7" || len(events.Events) != 2 {
		t.Fatalf("events trace=%q count=%d", events.TraceID, len(events.Events))
	}
}

func TestTraceExportFormats(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("t1", "heuristic", sampleEvents("t1", "grep"))
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodGet, "/api/traces/t1/export", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("json export status=%d content-type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var bundle struct {
		Manifest *trace.Manifest  `json:"manifest"`
		Events   []map[string]any `json:"events"`
	}
	decodeBody(t, rec, &bundle)
	if bundle.Manifest == nil || bundle.Manifest.TraceID != "t1" || len(bundle.Events) != 4 {
		t.Fatalf("bundle manifest=%+v events=%d", bundle.Manifest, len(bundle.Events))
	}

	rec = router.do(t, http.MethodGet, "/api/traces/t1/export?format=md", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
		t.Fatalf("markdown export status=%d content-type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if body := rec.Body.String(); !strings.HasPrefix(body, "# Trace t1") || !strings.Contains(body, "| grep |") {
		t.Fatalf("markdown body=%s", body)
	}

	expectError(t, router.do(t, http.MethodGet, "/api/traces/t1/export?format=otlp", nil), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodGet, "/api/traces/t1/export?format=xml", nil), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodGet, "/api/traces/nope/export", nil), http.StatusNotFound)
}

func TestReplayStreamsEventsAndReplacesCache(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("t1", "heuristic", sampleEvents("t1"))
	replayed := sampleEvents("t1", "grep", "ls")
	upstream.replays["t1"] = replayed
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodPost, "/api/traces/t1/replay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type=%q, want text/event-stream", got)
	}
	events, err := trace.DecodeAll(bytes.NewReader(rec.Body.Bytes()), trace.DecoderOptions{})
	if err != nil {
		t.Fatalf("decode replay stream: %v", err)
	}
	if len(events) != len(replayed) {
		t.Fatalf("streamed %d events, want %d", len(events), len(replayed))
	}
	for i := range events {
		if events[i].Type != replayed[i].Type || events[i].SpanID != replayed[i].SpanID {
			t.Fatalf("event %d=%+v, want %+v", i, events[i], replayed[i])
		}
	}

	var cached traceEventsResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/t1/events", nil), &cached)
	if len(cached.Events) != len(replayed) {
		t.Fatalf("cached events=%d after replay, want %d", len(cached.Events), len(replayed))
	}

	expectError(t, router.do(t, http.MethodPost, "/api/traces/nope/replay", nil), http.StatusNotFound)
	expectError(t, router.do(t, http.MethodGet, "/api/traces/t1/replay", nil), http.StatusMethodNotAllowed)
}

func TestRunStreamsEventsOverSSE(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.runEvents = sampleEvents("live-1", "grep")
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodPost, "/api/run", strings.NewReader(`{"task":"find files"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	events, err := trace.DecodeAll(bytes.NewReader(rec.Body.Bytes()), trace.DecoderOptions{})
	if err != nil {
		t.Fatalf("decode run stream: %v", err)
	}
	if len(events) != 4 || events[0].TraceID != "live-1" {
		t.Fatalf("run stream=%+v", events)
	}

	var status liveRunResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/run", nil), &status)
	if status.Status == nil || status.Status.Outcome != workbench.RunOutcomeOK || status.Status.Running {
		t.Fatalf("live status=%+v", status.Status)
	}
	if status.Status.TraceID != "live-1" || status.Status.Task != "find files" || len(status.Events) != 4 {
		t.Fatalf("live status=%+v events=%d", status.Status, len(status.Events))
	}

	var cached traceEventsResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/traces/live-1/events", nil), &cached)
	if len(cached.Events) != 4 {
		t.Fatalf("cached live run events=%d, want 4", len(cached.Events))
	}

	expectError(t, router.do(t, http.MethodPost, "/api/run", strings.NewReader(`{"task":"  "}`)), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodPost, "/api/run", strings.NewReader(`not json`)), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodPut, "/api/run", nil), http.StatusMethodNotAllowed)
}

func TestRunReportsUpstreamFailureInStream(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.runEvents = sampleEvents("live-2")
	upstream.runErr = &client.APIError{Method: http.MethodPost, Path: "/api/run", StatusCode: http.StatusInternalServerError}
	router := newTestRouter(t, upstream, nil)

	rec := router.do(t, http.MethodPost, "/api/run", strings.NewReader(`{"task":"x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 once streaming started", rec.Code)
	}
	events, err := trace.DecodeAll(bytes.NewReader(rec.Body.Bytes()), trace.DecoderOptions{})
	if err != nil {
		t.Fatalf("decode run stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("stream events=%d, want 2 run events plus error frame", len(events))
	}
	last := events[len(events)-1]
	if last.Type != EventStreamError || !strings.Contains(last.Text(trace.FieldError), "upstream returned 500") {
		t.Fatalf("last frame=%+v, want stream_error", last)
	}
	if status := router.bench.LiveStatus(); status == nil || status.Outcome != workbench.RunOutcomeError {
		t.Fatalf("live status=%+v, want error outcome", status)
	}
}

func TestRunFailsBeforeStreamWithJSONError(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.runErr = &client.APIError{Method: http.MethodPost, Path: "/api/run", StatusCode: http.StatusServiceUnavailable}
	router := newTestRouter(t, upstream, nil)

	expectError(t, router.do(t, http.MethodPost, "/api/run", strings.NewReader(`{"task":"x"}`)), http.StatusBadGateway)
}

func webSocketURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestRunWebSocketStreamsEventsThenSummary(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.runEvents = sampleEvents("live-ws", "grep")
	router := newTestRouter(t, upstream, nil)
	server := httptest.NewServer(router.handler)
	defer server.Close()

	con, _, err := websocket.DefaultDialer.Dial(webSocketURL(server, "/api/run/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer con.Close()
	if err := con.WriteMessage(websocket.TextMessage, []byte(`{"task":"ws task","provider":"heuristic"}`)); err != nil {
		t.Fatalf("write run request: %v", err)
	}

	var messages [][]byte
	_ = con.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, message, err := con.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read error=%v, want normal closure", err)
			}
			break
		}
		messages = append(messages, message)
	}

	if len(messages) != 5 {
		t.Fatalf("messages=%d, want 4 events plus summary", len(messages))
	}
	var first trace.Event
	if err := trace.UnmarshalJSON(messages[0], &first); err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if first.Type != trace.EventRunStart || first.TraceID != "live-ws" {
		t.Fatalf("first event=%+v", first)
	}
	var summary socketSummary
	if err := json.Unmarshal(messages[4], &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Type != socketRunComplete || summary.TraceID != "live-ws" || summary.EventCount != 4 {
		t.Fatalf("summary=%+v", summary)
	}
	if summary.Metrics == nil || summary.Metrics.ToolCallCount != 1 {
		t.Fatalf("summary metrics=%+v", summary.Metrics)
	}
}

func TestRunWebSocketRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newStubUpstream(), nil)
	server := httptest.NewServer(router.handler)
	defer server.Close()

	con, _, err := websocket.DefaultDialer.Dial(webSocketURL(server, "/api/run/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer con.Close()
	if err := con.WriteMessage(websocket.TextMessage, []byte(`{"task":""}`)); err != nil {
		t.Fatalf("write run request: %v", err)
	}

	_ = con.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := con.ReadMessage()
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var summary socketSummary
	if err := json.Unmarshal(message, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Type != socketRunError || summary.Error == "" {
		t.Fatalf("summary=%+v, want run_error", summary)
	}
	if _, _, err := con.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("close error=%v, want unsupported data", err)
	}
}

func TestRunWebSocketCloseCancelsRun(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.runEvents = sampleEvents("live-cancel", "grep")
	upstream.runGate = make(chan struct{})
	router := newTestRouter(t, upstream, nil)
	server := httptest.NewServer(router.handler)
	defer server.Close()

	con, _, err := websocket.DefaultDialer.Dial(webSocketURL(server, "/api/run/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := con.WriteMessage(websocket.TextMessage, []byte(`{"task":"long"}`)); err != nil {
		t.Fatalf("write run request: %v", err)
	}
	_ = con.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := con.ReadMessage(); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	_ = con.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		status := router.bench.LiveStatus()
		if status != nil && !status.Running {
			if status.Outcome != workbench.RunOutcomeCancelled {
				t.Fatalf("outcome=%q, want cancelled", status.Outcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live run still running after socket close: %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := router.do(t, http.MethodGet, "/api/traces/live-cancel/events", nil)
	expectError(t, rec, http.StatusNotFound)
}

func TestCompareQueryAndProviders(t *testing.T) {
	t.Parallel()

	upstream := newStubUpstream()
	upstream.addTrace("a", "heuristic", sampleEvents("a", "grep", "grep"))
	upstream.addTrace("b", "heuristic", sampleEvents("b", "grep", "ls"))
	upstream.providers = []string{"heuristic", "openai"}
	router := newTestRouter(t, upstream, nil)

	var comparison trace.Comparison
	decodeBody(t, router.do(t, http.MethodGet, "/api/compare?left=a&right=b", nil), &comparison)
	if comparison.Left.TraceID != "a" || comparison.Right.TraceID != "b" {
		t.Fatalf("comparison sides=%q,%q", comparison.Left.TraceID, comparison.Right.TraceID)
	}
	if len(comparison.Tools) != 2 || comparison.Tools[0].Tool != "grep" || comparison.Tools[0].Delta != -1 {
		t.Fatalf("tool deltas=%+v", comparison.Tools)
	}
	if comparison.Tools[1].Tool != "ls" || comparison.Tools[1].Delta != 1 {
		t.Fatalf("tool deltas=%+v", comparison.Tools)
	}

	rec := router.do(t, http.MethodGet, "/api/compare?left=a&right=b&format=markdown", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "# Trace Diff: a vs b") {
		t.Fatalf("markdown comparison status=%d body=%s", rec.Code, rec.Body.String())
	}
	expectError(t, router.do(t, http.MethodGet, "/api/compare?left=a", nil), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodGet, "/api/compare?left=a&right=b&format=otlp", nil), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodGet, "/api/compare?left=a&right=zzz", nil), http.StatusNotFound)

	var query queryResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/query?q=tool%3Dgrep", nil), &query)
	if query.Total != 2 || query.Hits[0].TraceID != "a" || query.Hits[0].Count != 2 || query.Hits[1].Count != 1 {
		t.Fatalf("query hits=%+v", query.Hits)
	}
	expectError(t, router.do(t, http.MethodGet, "/api/query", nil), http.StatusBadRequest)
	expectError(t, router.do(t, http.MethodGet, "/api/query?q=type%3D%3D", nil), http.StatusBadRequest)

	var providers providersResponse
	decodeBody(t, router.do(t, http.MethodGet, "/api/providers", nil), &providers)
	if strings.Join(providers.Providers, ",") != "heuristic,openai" {
		t.Fatalf("providers=%v", providers.Providers)
	}
}

func TestDiagnosticsHandlers(t *testing.T) {
	t.Parallel()

	withoutWriter := newTestRouter(t, newStubUpstream(), nil)
	expectError(t, withoutWriter.do(t, http.MethodGet, "/api/diagnostics/cache-writer", nil), http.StatusServiceUnavailable)

	cache := store.NewMemoryStore(0)
	writer := store.NewWriter(cache, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer.Start(ctx)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = writer.Shutdown(shutdownCtx)
	}()

	withWriter := newTestRouter(t, newStubUpstream(), writer)
	rec := withWriter.do(t, http.MethodGet, "/api/diagnostics/cache-writer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cache-writer status=%d body=%s", rec.Code, rec.Body.String())
	}
	var diagnostics cacheWriterDiagnosticsResponse
	decodeBody(t, rec, &diagnostics)
	if diagnostics.SchemaVersion != cacheWriterDiagnosticsSchemaVersion || diagnostics.Diagnostics.QueueCapacity != 4 {
		t.Fatalf("diagnostics=%+v", diagnostics)
	}

	var state workbenchDiagnosticsResponse
	decodeBody(t, withWriter.do(t, http.MethodGet, "/api/diagnostics/workbench", nil), &state)
	if state.SchemaVersion != workbenchDiagnosticsSchemaVersion || state.Cache == nil || state.Cache.Driver != store.DriverMemory {
		t.Fatalf("workbench diagnostics=%+v", state)
	}
}
