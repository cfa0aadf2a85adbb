package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ongoingai/traceview/internal/correlation"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

type RouterOptions struct {
	AppVersion  string
	Workbench   *workbench.Workbench
	CacheDriver string
	CachePath   string
	Logger      *slog.Logger
	// MaxRunRequestBytes caps a live run request body. Zero means 64KiB.
	MaxRunRequestBytes int64
}

const defaultRunRequestLimit = 64 << 10

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bench := options.Workbench
	runLimit := options.MaxRunRequestBytes
	if runLimit <= 0 {
		runLimit = defaultRunRequestLimit
	}

	router := mux.NewRouter()
	router.UseEncodedPath()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	router.Handle("/api/health", HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   startedAt,
		CacheDriver: options.CacheDriver,
		CachePath:   options.CachePath,
		Workbench:   bench,
	}))
	router.Handle("/api/traces", TracesHandler(bench))
	router.Handle("/api/traces/{id}", TraceDetailHandler(bench, traceViewManifest))
	router.Handle("/api/traces/{id}/events", TraceEventsHandler(bench))
	router.Handle("/api/traces/{id}/spans", TraceDetailHandler(bench, traceViewSpans))
	router.Handle("/api/traces/{id}/tool-calls", TraceDetailHandler(bench, traceViewToolCalls))
	router.Handle("/api/traces/{id}/metrics", TraceDetailHandler(bench, traceViewMetrics))
	router.Handle("/api/traces/{id}/export", TraceExportHandler(bench))
	router.Handle("/api/traces/{id}/replay", ReplayHandler(bench, logger))
	router.Handle("/api/run", RunHandler(bench, runLimit, logger))
	router.Handle("/api/run/ws", RunSocketHandler(bench, runLimit, logger))
	router.Handle("/api/compare", CompareHandler(bench))
	router.Handle("/api/query", QueryHandler(bench))
	router.Handle("/api/providers", ProvidersHandler(bench))
	router.Handle("/api/diagnostics/cache-writer", CacheWriterDiagnosticsHandler(CacheWriterDiagnosticsOptions{Workbench: bench}))
	router.Handle("/api/diagnostics/workbench", WorkbenchDiagnosticsHandler(bench))
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "traceview",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(router)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	encoded, err := trace.MarshalJSON(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	var body bytes.Buffer
	body.Grow(len(encoded) + 1)
	body.Write(encoded)
	body.WriteByte('\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeWorkbenchError maps a workbench failure onto a status code.
func writeWorkbenchError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, workbench.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trace.ErrInvalidQuery), errors.Is(err, workbench.ErrTaskRequired):
		return http.StatusBadRequest
	case errors.Is(err, workbench.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func requireWorkbench(w http.ResponseWriter, bench *workbench.Workbench) bool {
	if bench != nil {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "trace workbench is not configured")
	return false
}

// traceIDVar returns the decoded {id} path segment.
func traceIDVar(r *http.Request) (string, bool) {
	raw := mux.Vars(r)["id"]
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

func queryFlag(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization", correlation.HeaderName}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
