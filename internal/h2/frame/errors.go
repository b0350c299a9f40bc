package frame

import "fmt"

// ErrCode is an HTTP/2 error code used in RST_STREAM and GOAWAY frames.
type ErrCode uint32

// HTTP/2 error codes per RFC 7540 §7
const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrCode) String() string {
	if name, ok := errCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown error code 0x%x", uint32(e))
}

// ConnectionError is a protocol violation that poisons the whole connection.
// The processor reacts by sending GOAWAY with the code and tearing the
// connection down, failing every open stream.
type ConnectionError struct {
	Code   ErrCode
	Reason string
}

func (e ConnectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection error: %v", e.Code)
	}
	return fmt.Sprintf("connection error: %v (%s)", e.Code, e.Reason)
}

// StreamError is a violation scoped to one stream. The processor reacts by
// sending RST_STREAM with the code; the connection remains usable.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream error on stream %d: %v", e.StreamID, e.Code)
	}
	return fmt.Sprintf("stream error on stream %d: %v (%s)", e.StreamID, e.Code, e.Reason)
}
