package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/workbench"
)

const (
	cacheWriterDiagnosticsSchemaVersion = "cache-writer-diagnostics.v1"
	workbenchDiagnosticsSchemaVersion   = "workbench-diagnostics.v1"
)

type CacheWriterDiagnosticsOptions struct {
	Workbench *workbench.Workbench
}

type cacheWriterDiagnosticsResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Diagnostics   store.WriterDiagnostics `json:"diagnostics"`
}

type workbenchDiagnosticsResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	State         workbench.State `json:"state"`
	Cache         *store.Stats    `json:"cache,omitempty"`
}

func CacheWriterDiagnosticsHandler(options CacheWriterDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Workbench == nil {
			writeError(w, http.StatusServiceUnavailable, "cache writer diagnostics unavailable")
			return
		}
		diagnostics, ok := options.Workbench.WriterDiagnostics()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "cache writer diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, cacheWriterDiagnosticsResponse{
			SchemaVersion: cacheWriterDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   diagnostics,
		})
	})
}

func WorkbenchDiagnosticsHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		response := workbenchDiagnosticsResponse{
			SchemaVersion: workbenchDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			State:         bench.State(),
		}
		if stats, err := bench.CacheStats(r.Context()); err == nil {
			response.Cache = &stats
		}
		writeJSON(w, http.StatusOK, response)
	})
}
