// Package frame wraps golang.org/x/net/http2 frame I/O for the transport.
package frame

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
)

// MaxStreamID is the largest valid HTTP/2 stream identifier (2^31 - 1).
// A GOAWAY carrying it tells the peer that no in-flight stream will be
// rejected yet.
const MaxStreamID uint32 = 1<<31 - 1

// DefaultMaxFrameSize is the RFC 7540 SETTINGS_MAX_FRAME_SIZE default.
const DefaultMaxFrameSize uint32 = 16384

// Reader reads HTTP/2 frames from a persistent reader. The underlying
// framer keeps CONTINUATION expectations across frames, so a Reader must
// stay bound to one connection for its whole life.
type Reader struct {
	framer *http2.Framer
}

// NewReader binds a frame reader to r.
func NewReader(r io.Reader) *Reader {
	framer := http2.NewFramer(nil, r)
	framer.SetMaxReadFrameSize(1 << 20)
	return &Reader{framer: framer}
}

// ReadFrame reads the next frame from the bound reader.
func (r *Reader) ReadFrame() (http2.Frame, error) {
	if r.framer == nil {
		return nil, fmt.Errorf("frame reader not bound")
	}
	return r.framer.ReadFrame()
}

// Writer serializes HTTP/2 frame writes to a connection. All methods are
// safe for concurrent use; the framer itself is not, so every write takes
// the mutex.
type Writer struct {
	framer *http2.Framer
	writer io.Writer
	mu     sync.Mutex
}

// NewWriter creates a frame writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer: http2.NewFramer(w, nil),
		writer: w,
	}
}

// Flush flushes any buffering writer underneath.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame.
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes HEADERS and, when the block is larger than
// maxFrameSize, CONTINUATION frames until the block is done.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		chunkLen := int(maxFrameSize)
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			first = false
		} else {
			var flags http2.Flags
			if len(remaining) == 0 {
				flags |= http2.FlagContinuationEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteData writes a DATA frame. Zero-length frames without END_STREAM
// are dropped; they carry no information and some peers reject them.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}
