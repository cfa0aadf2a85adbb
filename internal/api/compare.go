package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/ongoingai/traceview/internal/export"
	"github.com/ongoingai/traceview/internal/workbench"
)

type queryResponse struct {
	Query string               `json:"query"`
	Hits  []workbench.QueryHit `json:"hits"`
	Total int                  `json:"total"`
}

type providersResponse struct {
	Providers []string `json:"providers"`
}

func CompareHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		query := r.URL.Query()
		leftID := strings.TrimSpace(query.Get("left"))
		rightID := strings.TrimSpace(query.Get("right"))
		if leftID == "" || rightID == "" {
			writeError(w, http.StatusBadRequest, "left and right trace ids are required")
			return
		}
		format, err := export.ParseFormat(query.Get("format"))
		if err != nil || format == export.FormatOTLP {
			writeError(w, http.StatusBadRequest, "format must be json or markdown")
			return
		}

		comparison, err := bench.Compare(r.Context(), leftID, rightID)
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		if format == export.FormatJSON {
			writeJSON(w, http.StatusOK, comparison)
			return
		}

		var body bytes.Buffer
		if err := export.WriteComparisonMarkdown(&body, comparison); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to render comparison")
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	})
}

func QueryHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		expression := strings.TrimSpace(r.URL.Query().Get("q"))
		if expression == "" {
			writeError(w, http.StatusBadRequest, "query expression is required")
			return
		}
		hits, err := bench.Query(r.Context(), expression)
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{Query: expression, Hits: hits, Total: len(hits)})
	})
}

func ProvidersHandler(bench *workbench.Workbench) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		providers, err := bench.Providers(r.Context())
		if err != nil {
			writeWorkbenchError(w, err)
			return
		}
		if providers == nil {
			providers = []string{}
		}
		writeJSON(w, http.StatusOK, providersResponse{Providers: providers})
	})
}
