package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/traceview/internal/correlation"
	"github.com/ongoingai/traceview/internal/observability"
)

// LoggingMiddleware stamps a correlation id on every request and logs one
// "request complete" record when the handler returns.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var correlationID string
		r, correlationID = correlation.EnsureRequest(r)
		if correlationID != "" {
			w.Header().Set(correlation.HeaderName, correlationID)
		}

		start := time.Now()
		recorder := observability.NewStatusRecorder(w)
		next.ServeHTTP(recorder, r)
		logger.InfoContext(r.Context(),
			"request complete",
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}
