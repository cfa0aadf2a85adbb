package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/traceview/internal/trace"
)

// EventStreamError is the event type of the frame that reports a failure
// after the stream has started.
const EventStreamError trace.EventType = "stream_error"

// eventStream writes decoded events back out as SSE frames. Headers are
// deferred to the first frame so a failure before any event can still be
// answered with a JSON error and a real status code.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	sent    int
}

func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher}
}

func (s *eventStream) start() {
	if s.started {
		return
	}
	s.started = true
	header := s.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

func (s *eventStream) Send(event trace.Event) error {
	frame, err := trace.EncodeFrame(event)
	if err != nil {
		return err
	}
	s.start()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.sent++
	s.flush()
	return nil
}

// Fail reports err as a JSON error before the stream starts, or as a
// stream_error frame after.
func (s *eventStream) Fail(traceID string, err error) {
	if !s.started {
		writeWorkbenchError(s.w, err)
		return
	}
	_ = s.Send(trace.Event{
		TraceID:   traceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      EventStreamError,
		Fields:    map[string]any{trace.FieldError: err.Error()},
	})
}

// Close starts an empty stream when no event was sent.
func (s *eventStream) Close() {
	s.start()
}

func (s *eventStream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
