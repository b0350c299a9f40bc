package frame

import (
	"fmt"
	"io"
)

// Reader decodes frames from a byte stream. It carries per-connection read
// buffer state and is not restartable across connections. All structural
// validation (frame size limits, fixed payload lengths) happens here; the
// protocol reactions belong to the connection processor.
type Reader struct {
	r            io.Reader
	maxFrameSize uint32
	headerBuf    [HeaderLen]byte
}

// NewReader creates a frame reader bound to r with the default maximum frame
// size. The processor raises the limit after advertising a larger
// SETTINGS_MAX_FRAME_SIZE.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxFrameSize: DefaultMaxFrameSize}
}

// SetMaxFrameSize adjusts the largest payload the reader accepts.
func (r *Reader) SetMaxFrameSize(n uint32) {
	if n < DefaultMaxFrameSize {
		n = DefaultMaxFrameSize
	}
	if n > MaxAllowedFrameSize {
		n = MaxAllowedFrameSize
	}
	r.maxFrameSize = n
}

// ReadFrame reads and validates the next frame. It returns io.EOF on a clean
// close between frames and io.ErrUnexpectedEOF on a close mid-frame; both
// mean the peer is gone. A ConnectionError return means the peer violated
// framing rules and the connection must be torn down.
func (r *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.headerBuf[:]); err != nil {
		return nil, err
	}
	h := parseHeader(r.headerBuf[:])

	// "An endpoint MUST send an error code of FRAME_SIZE_ERROR if a frame
	// exceeds the size defined in SETTINGS_MAX_FRAME_SIZE." (RFC 7540 §4.2)
	if h.Length > r.maxFrameSize {
		return nil, ConnectionError{Code: ErrCodeFrameSize, Reason: fmt.Sprintf("frame length %d exceeds maximum %d", h.Length, r.maxFrameSize)}
	}
	sizeErr := checkFixedLength(h)
	if _, fatal := sizeErr.(ConnectionError); fatal {
		// The connection is going down; no need to drain the payload.
		return nil, sizeErr
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	if sizeErr != nil {
		// Stream-scoped size violation: the payload has been consumed so the
		// frame sequence stays aligned, only the one stream is poisoned.
		return nil, sizeErr
	}
	return &Frame{FrameHeader: h, Payload: payload}, nil
}

// checkFixedLength validates payload lengths that the protocol fixes per
// frame type (RFC 7540 §6). Frames that may carry arbitrary payloads (DATA,
// HEADERS, PUSH_PROMISE, CONTINUATION, GOAWAY, unknown types) pass through.
func checkFixedLength(h FrameHeader) error {
	switch h.Type {
	case TypeRSTStream:
		if h.Length != 4 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "RST_STREAM payload must be 4 octets"}
		}
	case TypeSettings:
		if h.Flags.Has(FlagAck) && h.Length != 0 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "SETTINGS ACK with payload"}
		}
		if h.Length%6 != 0 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "SETTINGS payload not a multiple of 6"}
		}
	case TypePing:
		if h.Length != 8 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "PING payload must be 8 octets"}
		}
	case TypeGoAway:
		if h.Length < 8 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "GOAWAY payload shorter than 8 octets"}
		}
	case TypeWindowUpdate:
		if h.Length != 4 {
			return ConnectionError{Code: ErrCodeFrameSize, Reason: "WINDOW_UPDATE payload must be 4 octets"}
		}
	case TypePriority:
		if h.Length != 5 {
			// A wrong-sized PRIORITY frame only poisons its stream (§6.3).
			if h.StreamID == 0 {
				return ConnectionError{Code: ErrCodeFrameSize, Reason: "PRIORITY payload must be 5 octets"}
			}
			return StreamError{StreamID: h.StreamID, Code: ErrCodeFrameSize, Reason: "PRIORITY payload must be 5 octets"}
		}
	}
	return nil
}
