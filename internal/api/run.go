package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ongoingai/traceview/internal/client"
	"github.com/ongoingai/traceview/internal/correlation"
	"github.com/ongoingai/traceview/internal/trace"
	"github.com/ongoingai/traceview/internal/workbench"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type liveRunResponse struct {
	Status *workbench.LiveStatus `json:"status"`
	Events []trace.Event         `json:"events"`
}

// socketSummary is the last message of a live run WebSocket.
type socketSummary struct {
	Type       string         `json:"type"`
	TraceID    string         `json:"trace_id,omitempty"`
	EventCount int            `json:"event_count"`
	Metrics    *trace.Metrics `json:"metrics,omitempty"`
	Error      string         `json:"error,omitempty"`
}

const (
	socketRunComplete = "run_complete"
	socketRunError    = "run_error"
)

// RunHandler starts a live run on POST and streams its events as SSE. GET
// returns the status and buffer of the current or most recent run.
func RunHandler(bench *workbench.Workbench, limit int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, liveRunResponse{
				Status: bench.LiveStatus(),
				Events: bench.LiveEvents(),
			})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "run request body too large")
			return
		}
		request, err := decodeRunRequest(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if request.RequestID == "" {
			request.RequestID, _ = correlation.FromContext(r.Context())
		}

		stream := newEventStream(w)
		result, err := bench.LiveRun(r.Context(), request, stream.Send)
		if err != nil {
			if r.Context().Err() != nil {
				logger.InfoContext(r.Context(), "live run stream closed by client", "trace_id", result.TraceID, "event_count", stream.sent)
				return
			}
			stream.Fail(result.TraceID, err)
			return
		}
		stream.Close()
	})
}

// RunSocketHandler runs a live run over a WebSocket. The first client
// message is the run request; every decoded event is sent back as one text
// message, followed by a summary. Closing the socket cancels the run.
func RunSocketHandler(bench *workbench.Workbench, limit int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if !requireWorkbench(w, bench) {
			return
		}

		con, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnContext(r.Context(), "live run websocket upgrade failed", "error", err)
			return
		}
		con.SetReadLimit(limit)

		_, message, err := con.ReadMessage()
		if err != nil {
			_ = con.Close()
			return
		}
		request, err := decodeRunRequest(message)
		if err != nil {
			writeSocketSummary(con, socketSummary{Type: socketRunError, Error: err.Error()})
			closeSocket(con, websocket.CloseUnsupportedData, "invalid run request")
			_ = con.Close()
			return
		}
		if request.RequestID == "" {
			request.RequestID, _ = correlation.FromContext(r.Context())
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		con.SetCloseHandler(func(code int, text string) error {
			cancel()
			return nil
		})
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			defer cancel()
			for {
				if _, _, err := con.ReadMessage(); err != nil {
					return
				}
			}
		}()
		defer func() {
			_ = con.Close()
			<-readerDone
		}()

		result, err := bench.LiveRun(ctx, request, func(event trace.Event) error {
			payload, err := event.MarshalJSON()
			if err != nil {
				return err
			}
			return con.WriteMessage(websocket.TextMessage, payload)
		})
		if err != nil {
			if ctx.Err() != nil {
				logger.InfoContext(r.Context(), "live run websocket closed by client", "trace_id", result.TraceID, "event_count", len(result.Events))
				return
			}
			writeSocketSummary(con, socketSummary{
				Type:       socketRunError,
				TraceID:    result.TraceID,
				EventCount: len(result.Events),
				Error:      err.Error(),
			})
			closeSocket(con, websocket.CloseInternalServerErr, "live run failed")
			return
		}

		writeSocketSummary(con, socketSummary{
			Type:       socketRunComplete,
			TraceID:    result.TraceID,
			EventCount: len(result.Events),
			Metrics:    &result.Metrics,
		})
		closeSocket(con, websocket.CloseNormalClosure, "")
	})
}

func decodeRunRequest(body []byte) (client.RunRequest, error) {
	var request client.RunRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		return request, errors.New("run request body is required")
	}
	if err := trace.UnmarshalJSON(body, &request); err != nil {
		return request, fmt.Errorf("invalid run request: %w", err)
	}
	request = request.Normalize()
	if request.Task == "" {
		return request, workbench.ErrTaskRequired
	}
	return request, nil
}

func writeSocketSummary(con *websocket.Conn, summary socketSummary) {
	payload, err := trace.MarshalJSON(summary)
	if err != nil {
		return
	}
	_ = con.WriteMessage(websocket.TextMessage, payload)
}

func closeSocket(con *websocket.Conn, code int, text string) {
	_ = con.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
