package api

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/ongoingai/traceview/internal/export"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

type tracesResponse struct {
	Items []trace.Manifest `json:"items"`
	Total int              `json:"total"`
}

type traceEventsResponse struct {
	TraceID string        `json:"trace_id"`
	Events  []trace.Event `json:"events"`
}

type traceSpansResponse struct {
	TraceID string            `json:"trace_id"`
	Spans   []trace.SpanEntry `json:"spans"`
}

type traceToolCallsResponse struct {
	TraceID   string           `json:"trace_id"`
	ToolCalls []trace.ToolCall `json:"tool_calls"`
}

type traceMetricsResponse struct {
	TraceID string        `json:"trace_id"`
	Metrics trace.Metrics `json:"metrics"`
}

type traceView int

const (
	traceViewManifest traceView = iota
	traceViewSpans
	traceViewToolCalls
	traceViewMetrics
)

func TracesHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		query := r.URL.Query()
		filter := trace.ManifestFilter{
			Query:        query.Get("q"),
			Provider:     query.Get("provider"),
			DurationMin:  query.Get("duration_min"),
			DurationMax:  query.Get("duration_max"),
			ToolCallsMin: query.Get("tool_calls_min"),
		}
		manifests, err := bench.FilteredManifests(r.Context(), filter, queryFlag(r, "refresh"))
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, tracesResponse{
			Items: manifests,
			Total: len(manifests),
		})
	})
}

// TraceDetailHandler serves the manifest of one trace or one view derived
// from its events.
func TraceDetailHandler(bench *workbench.Workbench, view traceView) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}
		traceID, ok := traceIDVar(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid trace id")
			return
		}

		if view == traceViewManifest {
			manifest, err := bench.Manifest(r.Context(), traceID)
			if err != nil {
				writeWorkbenchError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, manifest)
			return
		}

		inspection, err := bench.Inspect(r.Context(), traceID)
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		switch view {
		case traceViewSpans:
			writeJSON(w, http.StatusOK, traceSpansResponse{TraceID: traceID, Spans: inspection.Spans})
		case traceViewToolCalls:
			writeJSON(w, http.StatusOK, traceToolCallsResponse{TraceID: traceID, ToolCalls: inspection.ToolCalls})
		default:
			writeJSON(w, http.StatusOK, traceMetricsResponse{TraceID: traceID, Metrics: inspection.Metrics})
		}
	})
}

func TraceEventsHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}
		traceID, ok := traceIDVar(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid trace id")
			return
		}

		events, err := bench.Events(r.Context(), traceID, queryFlag(r, "refresh"))
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, traceEventsResponse{TraceID: traceID, Events: events})
	})
}

func TraceExportHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}
		traceID, ok := traceIDVar(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid trace id")
			return
		}
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if format == export.FormatOTLP {
			writeError(w, http.StatusBadRequest, "otlp export is available from the command line only")
			return
		}

		data, err := bench.Load(r.Context(), traceID)
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		if queryFlag(r, "scrub") {
			data = export.Scrub(data)
		}

		var body bytes.Buffer
		contentType := "application/json"
		if format == export.FormatMarkdown {
			contentType = "text/markdown; charset=utf-8"
			err = export.WriteMarkdown(&body, data)
		} else {
			err = export.WriteJSON(&body, data)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to export trace")
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	})
}

// ReplayHandler re-emits a recorded trace as an SSE stream while the
// recording service replays it.
func ReplayHandler(bench *workbench.Workbench, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}
		traceID, ok := traceIDVar(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid trace id")
			return
		}

		stream := newEventStream(w)
		_, err := bench.Replay(r.Context(), traceID, stream.Send)
		if err != nil {
			if r.Context().Err() != nil {
				logger.InfoContext(r.Context(), "replay stream closed by client", "trace_id", traceID, "event_count", stream.sent)
				return
			}
			logger.WarnContext(r.Context(), "replay failed", "trace_id", traceID, "event_count", stream.sent, "error", err)
			stream.Fail(traceID, err)
			return
		}
		stream.Close()
	})
}
