package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/traceview/internal/store"
	"github.com/ongoingai/traceview/internal/workbench"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	CacheDriver string
	CachePath   string
	Workbench   *workbench.Workbench
}

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UptimeSec        int64  `json:"uptime_sec"`
	CacheDriver      string `json:"cache_driver"`
	CachedTraceCount int    `json:"cached_trace_count"`
	ManifestCount    int    `json:"manifest_count"`
	DBSizeBytes      int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		response := healthResponse{
			Status:      "ok",
			Version:     options.Version,
			UptimeSec:   int64(uptime.Seconds()),
			CacheDriver: options.CacheDriver,
		}
		if options.Workbench != nil {
			if stats, err := options.Workbench.CacheStats(r.Context()); err == nil {
				response.CachedTraceCount = stats.TraceCount
				response.ManifestCount = stats.ManifestCount
				if response.CacheDriver == "" {
					response.CacheDriver = stats.Driver
				}
			}
		}

		if strings.EqualFold(response.CacheDriver, store.DriverSQLite) && options.CachePath != "" {
			if info, err := os.Stat(options.CachePath); err == nil {
				response.DBSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, response)
	})
}
