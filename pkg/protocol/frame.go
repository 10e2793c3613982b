package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Decoder reassembles frames from an arbitrarily fragmented byte stream.
// It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf       []byte
	bodyStart int // -1 until the current header has been parsed
	length    int
	onFrame   func(payload []byte) error
	err       error
}

// NewDecoder creates a decoder that calls onFrame once per complete frame,
// in stream order, with the payload bytes only.
func NewDecoder(onFrame func(payload []byte) error) *Decoder {
	return &Decoder{
		bodyStart: -1,
		onFrame:   onFrame,
	}
}

// Append feeds more bytes into the decoder and dispatches every frame that
// is now complete. A framing error is sticky: later calls return it again.
// An error returned by the callback stops dispatching and is returned as is.
func (d *Decoder) Append(data []byte) error {
	if d.err != nil {
		return d.err
	}

	d.buf = append(d.buf, data...)

	for {
		payload, ok, err := d.next()
		if err != nil {
			d.err = err
			return err
		}
		if !ok {
			return nil
		}
		if err := d.onFrame(payload); err != nil {
			return err
		}
	}
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) next() ([]byte, bool, error) {
	if d.bodyStart < 0 {
		idx := bytes.Index(d.buf, []byte(HeaderTerminator))
		if idx < 0 {
			if len(d.buf) > MaxHeaderSize {
				return nil, false, &FramingError{Reason: fmt.Sprintf("no header terminator within %d bytes", MaxHeaderSize)}
			}
			return nil, false, nil
		}

		n, err := ParseContentLength(d.buf[:idx])
		if err != nil {
			return nil, false, err
		}

		d.bodyStart = idx + len(HeaderTerminator)
		d.length = n
	}

	end := d.bodyStart + d.length
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload := make([]byte, d.length)
	copy(payload, d.buf[d.bodyStart:end])

	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	d.bodyStart = -1
	d.length = 0

	return payload, true, nil
}

// Wrap prepends the Content-Length header to payload.
func Wrap(payload []byte) []byte {
	header := FormatHeader(len(payload))
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	return append(frame, payload...)
}

// WrapMessage serializes v as JSON and frames it.
func WrapMessage(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return Wrap(payload), nil
}

// ChunkedWriter writes whole frames as a series of small writes. Frames
// written from different goroutines never interleave.
type ChunkedWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewChunkedWriter caps each physical write to max bytes (MaxPacketSize
// when max <= 0).
func NewChunkedWriter(w io.Writer, max int) *ChunkedWriter {
	if max <= 0 {
		max = MaxPacketSize
	}
	return &ChunkedWriter{w: w, max: max}
}

// WriteFrame writes an already wrapped frame.
func (cw *ChunkedWriter) WriteFrame(frame []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	return WriteChunked(cw.w, frame, cw.max)
}

// WriteMessage wraps v and writes it.
func (cw *ChunkedWriter) WriteMessage(v any) error {
	frame, err := WrapMessage(v)
	if err != nil {
		return err
	}
	return cw.WriteFrame(frame)
}

// WriteChunked writes buf to w in pieces of at most max bytes.
func WriteChunked(w io.Writer, buf []byte, max int) error {
	if max <= 0 {
		max = MaxPacketSize
	}
	for offset := 0; offset < len(buf); offset += max {
		end := offset + max
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := w.Write(buf[offset:end]); err != nil {
			return err
		}
	}
	return nil
}
