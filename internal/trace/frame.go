package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const payloadMarker = "data:"

const readChunkSize = 32 * 1024

var ErrMalformedPayload = errors.New("malformed event payload")
var ErrFrameTooLarge = errors.New("event frame exceeds size limit")

// PayloadError reports a data line whose JSON could not be decoded.
type PayloadError struct {
	Payload string
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMalformedPayload.Error(), e.Err)
}

func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// Sink receives decoded events in arrival order. A non-nil error stops
// decoding and is returned to the caller unchanged.
type Sink func(Event) error

type DecoderOptions struct {
	// MaxFrameBytes bounds the undelimited carry-over kept between chunks.
	// Zero means unlimited.
	MaxFrameBytes int
}

// Decoder splits a text stream into blank-line delimited blocks and decodes
// the data line of each block. It keeps only the trailing partial block
// between calls to Feed.
type Decoder struct {
	options DecoderOptions
	buf     []byte
	scanned int
	decoded int
}

func NewDecoder(options DecoderOptions) *Decoder {
	return &Decoder{options: options}
}

// Feed appends chunk to the carry-over buffer and emits every event whose
// block is now complete.
func (d *Decoder) Feed(chunk []byte, sink Sink) error {
	d.buf = append(d.buf, chunk...)
	consumed := 0
	for {
		start, end := nextBoundary(d.buf, d.scanned)
		if start < 0 {
			break
		}
		block := d.buf[consumed:start]
		consumed = end
		d.scanned = end
		if err := d.emit(block, sink); err != nil {
			d.compact(consumed)
			return err
		}
	}
	d.compact(consumed)
	if d.options.MaxFrameBytes > 0 && len(d.buf) > d.options.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes pending, limit %d", ErrFrameTooLarge, len(d.buf), d.options.MaxFrameBytes)
	}
	return nil
}

// Pending reports how many bytes of an incomplete block are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Decoded reports how many events have been emitted so far.
func (d *Decoder) Decoded() int {
	return d.decoded
}

// Finish drops any incomplete trailing block and returns its size. A block
// that never saw its terminating blank line was never a complete record.
func (d *Decoder) Finish() int {
	dropped := len(d.buf)
	d.buf = d.buf[:0]
	d.scanned = 0
	return dropped
}

func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		// Back up so a boundary split across chunks is still found.
		if len(d.buf) > 2 {
			d.scanned = len(d.buf) - 2
		} else {
			d.scanned = 0
		}
		return
	}
	remaining := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:remaining]
	d.scanned = 0
	if remaining > 2 {
		d.scanned = remaining - 2
	}
}

func (d *Decoder) emit(block []byte, sink Sink) error {
	payload, ok := blockPayload(block)
	if !ok {
		return nil
	}
	var event Event
	if err := event.UnmarshalJSON(payload); err != nil {
		return &PayloadError{Payload: string(payload), Err: err}
	}
	d.decoded++
	if sink == nil {
		return nil
	}
	return sink(event)
}

// nextBoundary finds the first blank line at or after from. It returns the
// offset where the block ends and the offset where the next block begins,
// or -1 when no complete boundary is buffered.
func nextBoundary(buf []byte, from int) (int, int) {
	for i := from; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			start := i
			if start > 0 && buf[start-1] == '\r' {
				start--
			}
			return start, j + 1
		}
	}
	return -1, -1
}

// blockPayload returns the trimmed remainder of the first data line.
func blockPayload(block []byte) ([]byte, bool) {
	for len(block) > 0 {
		line := block
		if idx := bytes.IndexByte(block, '\n'); idx >= 0 {
			line = block[:idx]
			block = block[idx+1:]
		} else {
			block = nil
		}
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte(payloadMarker)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(payloadMarker):])
		if len(payload) == 0 {
			return nil, false
		}
		return payload, true
	}
	return nil, false
}

// DecodeStream reads r until end of stream and pushes each decoded event to
// sink as soon as its block is complete.
func DecodeStream(r io.Reader, options DecoderOptions, sink Sink) error {
	decoder := NewDecoder(options)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if feedErr := decoder.Feed(buf[:n], sink); feedErr != nil {
				return feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			decoder.Finish()
			return nil
		}
		if err != nil {
			return fmt.Errorf("read event stream: %w", err)
		}
	}
}

// DecodeAll reads r to completion and returns every decoded event in order.
func DecodeAll(r io.Reader, options DecoderOptions) ([]Event, error) {
	events := make([]Event, 0)
	err := DecodeStream(r, options, func(event Event) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// EncodeFrame renders event in the stream framing understood by Decoder.
func EncodeFrame(event Event) ([]byte, error) {
	payload, err := event.MarshalJSON()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+len(payloadMarker)+3)
	frame = append(frame, payloadMarker...)
	frame = append(frame, ' ')
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
