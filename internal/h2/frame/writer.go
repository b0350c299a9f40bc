package frame

import (
	"fmt"
	"io"
)

// Writer serializes frames onto a byte stream. It is not safe for concurrent
// use: the connection processor funnels every outgoing frame through a single
// writer goroutine, which makes frame ordering a structural invariant rather
// than a locking convention.
type Writer struct {
	w            io.Writer
	maxFrameSize uint32 // peer's SETTINGS_MAX_FRAME_SIZE
	buf          []byte // scratch for header + small payloads
}

// NewWriter creates a frame writer bound to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, maxFrameSize: DefaultMaxFrameSize, buf: make([]byte, 0, 512)}
}

// SetMaxFrameSize applies the peer's announced SETTINGS_MAX_FRAME_SIZE.
func (w *Writer) SetMaxFrameSize(n uint32) {
	if n < DefaultMaxFrameSize {
		n = DefaultMaxFrameSize
	}
	if n > MaxAllowedFrameSize {
		n = MaxAllowedFrameSize
	}
	w.maxFrameSize = n
}

// MaxFrameSize returns the largest payload the peer accepts.
func (w *Writer) MaxFrameSize() uint32 { return w.maxFrameSize }

// WritePreface writes the fixed client connection preface bytes.
func (w *Writer) WritePreface() error {
	_, err := io.WriteString(w.w, ClientPreface)
	return err
}

// WriteFrame writes one frame with the given payload.
func (w *Writer) WriteFrame(typ Type, flags Flags, streamID uint32, payload []byte) error {
	if uint32(len(payload)) > w.maxFrameSize {
		return fmt.Errorf("frame payload %d exceeds peer MAX_FRAME_SIZE %d", len(payload), w.maxFrameSize)
	}
	w.buf = appendHeader(w.buf[:0], FrameHeader{
		Length:   uint32(len(payload)),
		Type:     typ,
		Flags:    flags,
		StreamID: streamID,
	})
	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. The caller is responsible for respecting
// flow-control windows and the peer's maximum frame size.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	var flags Flags
	if endStream {
		flags |= FlagEndStream
	}
	return w.WriteFrame(TypeData, flags, streamID, data)
}

// WriteHeaders writes the header block for a stream as one HEADERS frame,
// fragmented into contiguous CONTINUATION frames when the block exceeds the
// peer's maximum frame size. The caller must not interleave other header
// blocks; HPACK state is connection-global and order-sensitive.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, block []byte) error {
	first := true
	for {
		frag := block
		if uint32(len(frag)) > w.maxFrameSize {
			frag = frag[:w.maxFrameSize]
		}
		block = block[len(frag):]

		var flags Flags
		typ := TypeContinuation
		if first {
			typ = TypeHeaders
			if endStream {
				flags |= FlagEndStream
			}
			first = false
		}
		if len(block) == 0 {
			flags |= FlagEndHeaders
		}
		if err := w.WriteFrame(typ, flags, streamID, frag); err != nil {
			return err
		}
		if len(block) == 0 {
			return nil
		}
	}
}

// WriteSettings writes a non-ACK SETTINGS frame.
func (w *Writer) WriteSettings(settings ...Setting) error {
	payload := appendSettings(make([]byte, 0, 6*len(settings)), settings)
	return w.WriteFrame(TypeSettings, 0, 0, payload)
}

// WriteSettingsAck acknowledges a received SETTINGS frame.
func (w *Writer) WriteSettingsAck() error {
	return w.WriteFrame(TypeSettings, FlagAck, 0, nil)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	var flags Flags
	if ack {
		flags |= FlagAck
	}
	return w.WriteFrame(TypePing, flags, 0, data[:])
}

// WriteRSTStream writes an RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code ErrCode) error {
	payload := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	return w.WriteFrame(TypeRSTStream, 0, streamID, payload)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame. streamID zero addresses the
// connection-level window.
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	payload := []byte{byte(increment >> 24), byte(increment >> 16), byte(increment >> 8), byte(increment)}
	return w.WriteFrame(TypeWindowUpdate, 0, streamID, payload)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code ErrCode, debug []byte) error {
	payload := make([]byte, 0, 8+len(debug))
	payload = append(payload,
		byte(lastStreamID>>24), byte(lastStreamID>>16), byte(lastStreamID>>8), byte(lastStreamID),
		byte(code>>24), byte(code>>16), byte(code>>8), byte(code))
	payload = append(payload, debug...)
	return w.WriteFrame(TypeGoAway, 0, 0, payload)
}
