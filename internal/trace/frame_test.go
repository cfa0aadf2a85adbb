package trace

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

const sampleStream = "data: {\"trace_id\":\"t1\",\"ts\":\"2026-01-01T00:00:00Z\",\"type\":\"run_start\",\"span_id\":\"root\",\"task\":\"demo\"}\n\n" +
	"event: ignored\ndata: {\"trace_id\":\"t1\",\"ts\":\"2026-01-01T00:00:01Z\",\"type\":\"tool_call\",\"span_id\":\"s1\",\"parent_span_id\":\"root\",\"tool_name\":\"grep\"}\nid: 7\n\n" +
	": keepalive comment\n\n" +
	"data: {\"trace_id\":\"t1\",\"ts\":\"2026-01-01T00:00:02Z\",\"type\":\"tool_result\",\"span_id\":\"s1\",\"result\":\"ok\"}\n\n"

func collectFed(t *testing.T, chunks [][]byte) []Event {
	t.Helper()

	decoder := NewDecoder(DecoderOptions{})
	var events []Event
	for _, chunk := range chunks {
		err := decoder.Feed(chunk, func(event Event) error {
			events = append(events, event)
			return nil
		})
		if err != nil {
			t.Fatalf("Feed() error: %v", err)
		}
	}
	decoder.Finish()
	return events
}

func encodeAll(t *testing.T, events []Event) string {
	t.Helper()

	encoded, err := MarshalEvents(events)
	if err != nil {
		t.Fatalf("MarshalEvents() error: %v", err)
	}
	return string(encoded)
}

func TestDecodeAllSampleStream(t *testing.T) {
	t.Parallel()

	events, err := DecodeAll(strings.NewReader(sampleStream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}
	wantTypes := []EventType{EventRunStart, EventToolCall, EventToolResult}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("events[%d].Type=%q, want %q", i, events[i].Type, want)
		}
	}
	if events[1].ParentSpanID != "root" {
		t.Fatalf("events[1].ParentSpanID=%q, want root", events[1].ParentSpanID)
	}
}

func TestDecoderSplitChunkInvariance(t *testing.T) {
	t.Parallel()

	data := []byte(sampleStream)
	whole := encodeAll(t, collectFed(t, [][]byte{data}))

	for cut := 1; cut < len(data); cut++ {
		got := encodeAll(t, collectFed(t, [][]byte{data[:cut], data[cut:]}))
		if got != whole {
			t.Fatalf("split at %d decoded %s, want %s", cut, got, whole)
		}
	}

	bytewise := make([][]byte, 0, len(data))
	for i := range data {
		bytewise = append(bytewise, data[i:i+1])
	}
	if got := encodeAll(t, collectFed(t, bytewise)); got != whole {
		t.Fatalf("byte-at-a-time decoded %s, want %s", got, whole)
	}

	events, err := DecodeAll(iotest.OneByteReader(bytes.NewReader(data)), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll(one byte reader) error: %v", err)
	}
	if got := encodeAll(t, events); got != whole {
		t.Fatalf("DecodeAll(one byte reader)=%s, want %s", got, whole)
	}
}

func TestDecoderIsIdempotent(t *testing.T) {
	t.Parallel()

	first, err := DecodeAll(strings.NewReader(sampleStream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	second, err := DecodeAll(strings.NewReader(sampleStream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if encodeAll(t, first) != encodeAll(t, second) {
		t.Fatalf("decoding the same bytes twice produced different events")
	}
}

func TestDecoderCRLFFraming(t *testing.T) {
	t.Parallel()

	stream := strings.ReplaceAll(sampleStream, "\n", "\r\n")
	data := []byte(stream)
	whole := encodeAll(t, collectFed(t, [][]byte{data}))
	if want := encodeAll(t, collectFed(t, [][]byte{[]byte(sampleStream)})); whole != want {
		t.Fatalf("CRLF stream decoded %s, want %s", whole, want)
	}
	for cut := 1; cut < len(data); cut++ {
		if got := encodeAll(t, collectFed(t, [][]byte{data[:cut], data[cut:]})); got != whole {
			t.Fatalf("CRLF split at %d decoded %s, want %s", cut, got, whole)
		}
	}
}

func TestDecoderDiscardsTrailingPartialBlock(t *testing.T) {
	t.Parallel()

	stream := sampleStream + "data: {\"trace_id\":\"t1\",\"type\":\"run_e"
	events, err := DecodeAll(strings.NewReader(stream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}

	decoder := NewDecoder(DecoderOptions{})
	if err := decoder.Feed([]byte("data: {\"partial\":"), nil); err != nil {
		t.Fatalf("Feed() error: %v", err)
	}
	if decoder.Pending() == 0 {
		t.Fatalf("Pending()=0, want buffered partial block")
	}
	if dropped := decoder.Finish(); dropped != len("data: {\"partial\":") {
		t.Fatalf("Finish()=%d, want %d", dropped, len("data: {\"partial\":"))
	}
	if decoder.Pending() != 0 {
		t.Fatalf("Pending()=%d after Finish, want 0", decoder.Pending())
	}
}

func TestDecoderMalformedPayloadIsFatal(t *testing.T) {
	t.Parallel()

	stream := sampleStream[:strings.Index(sampleStream, "\n\n")+2] +
		"data: {not json}\n\n" +
		"data: {\"trace_id\":\"t1\",\"type\":\"run_end\"}\n\n"

	var seen int
	err := DecodeStream(strings.NewReader(stream), DecoderOptions{}, func(Event) error {
		seen++
		return nil
	})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("DecodeStream() error=%v, want ErrMalformedPayload", err)
	}
	var payloadErr *PayloadError
	if !errors.As(err, &payloadErr) || payloadErr.Payload != "{not json}" {
		t.Fatalf("DecodeStream() error=%#v, want PayloadError with payload", err)
	}
	if seen != 1 {
		t.Fatalf("sink saw %d events before failure, want 1", seen)
	}

	if _, err := DecodeAll(strings.NewReader(stream), DecoderOptions{}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("DecodeAll() error=%v, want ErrMalformedPayload", err)
	}
}

func TestDecoderSkipsBlocksWithoutPayload(t *testing.T) {
	t.Parallel()

	stream := "event: ping\n\ndata:\n\ndata:    \n\n" + sampleStream
	events, err := DecodeAll(strings.NewReader(stream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}
}

func TestDecodeStreamStopsOnSinkError(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	var seen int
	err := DecodeStream(strings.NewReader(sampleStream), DecoderOptions{}, func(Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("DecodeStream() error=%v, want sink error", err)
	}
	if seen != 2 {
		t.Fatalf("sink invoked %d times, want 2", seen)
	}
}

func TestDecoderFrameLimit(t *testing.T) {
	t.Parallel()

	decoder := NewDecoder(DecoderOptions{MaxFrameBytes: 16})
	err := decoder.Feed([]byte("data: {\"trace_id\":\"a-very-long-trace-id\""), nil)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Feed() error=%v, want ErrFrameTooLarge", err)
	}

	decoder = NewDecoder(DecoderOptions{MaxFrameBytes: 16})
	if err := decoder.Feed([]byte(sampleStream), nil); err != nil {
		t.Fatalf("Feed() complete blocks error: %v", err)
	}
	if decoder.Decoded() != 3 {
		t.Fatalf("Decoded()=%d, want 3", decoder.Decoded())
	}
}

func TestDecodeStreamReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	reader := iotest.TimeoutReader(strings.NewReader(sampleStream))
	err := DecodeStream(reader, DecoderOptions{}, nil)
	if err == nil {
		t.Fatalf("DecodeStream() error=nil, want read failure")
	}
	err = DecodeStream(iotest.ErrReader(boom), DecoderOptions{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("DecodeStream() error=%v, want %v", err, boom)
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	t.Parallel()

	events, err := DecodeAll(strings.NewReader(sampleStream), DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll() error: %v", err)
	}
	var buf bytes.Buffer
	for _, event := range events {
		frame, err := EncodeFrame(event)
		if err != nil {
			t.Fatalf("EncodeFrame() error: %v", err)
		}
		buf.Write(frame)
	}
	again, err := DecodeAll(&buf, DecoderOptions{})
	if err != nil {
		t.Fatalf("DecodeAll(re-encoded) error: %v", err)
	}
	if encodeAll(t, again) != encodeAll(t, events) {
		t.Fatalf("re-encoded stream decoded differently")
	}
}
