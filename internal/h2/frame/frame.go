// Package frame implements the HTTP/2 framing layer: the 9-octet frame
// header, per-type payload views, SETTINGS parsing, and the HPACK header
// block encoder/decoder shared by a connection.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Type represents HTTP/2 frame types
type Type uint8

// HTTP/2 frame type constants per RFC 7540 §6
const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

var typeNames = map[Type]string{
	TypeData:         "DATA",
	TypeHeaders:      "HEADERS",
	TypePriority:     "PRIORITY",
	TypeRSTStream:    "RST_STREAM",
	TypeSettings:     "SETTINGS",
	TypePushPromise:  "PUSH_PROMISE",
	TypePing:         "PING",
	TypeGoAway:       "GOAWAY",
	TypeWindowUpdate: "WINDOW_UPDATE",
	TypeContinuation: "CONTINUATION",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags represents HTTP/2 frame flags
type Flags uint8

// HTTP/2 frame flag constants. FlagAck shares the 0x1 bit with FlagEndStream
// but only applies to SETTINGS and PING frames.
const (
	FlagEndStream  Flags = 0x1
	FlagAck        Flags = 0x1
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

// Has reports whether all bits in v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// ClientPreface is the fixed byte sequence a client sends before any frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Protocol constants per RFC 7540
const (
	HeaderLen = 9 // fixed frame header size

	DefaultMaxFrameSize      uint32 = 16384
	MaxAllowedFrameSize      uint32 = 1<<24 - 1
	DefaultInitialWindowSize uint32 = 65535
	DefaultHeaderTableSize   uint32 = 4096
	MaxWindowSize            int32  = 1<<31 - 1
	MaxStreamID              uint32 = 1<<31 - 1
)

// FrameHeader is the decoded 9-octet header that precedes every frame.
type FrameHeader struct {
	Length   uint32 // payload length, 24 bits on the wire
	Type     Type
	Flags    Flags
	StreamID uint32 // 31 bits; reserved bit is masked on read
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("[%v flags=0x%x stream=%d len=%d]", h.Type, uint8(h.Flags), h.StreamID, h.Length)
}

// appendHeader serializes h into the 9-octet wire form.
func appendHeader(dst []byte, h FrameHeader) []byte {
	return append(dst,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type), byte(h.Flags),
		byte(h.StreamID>>24), byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID))
}

// parseHeader decodes the 9-octet wire form. The reserved bit of the stream
// identifier is masked per RFC 7540 §4.1.
func parseHeader(buf []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     Type(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}
}

// Frame is one decoded HTTP/2 frame. Payload is the raw frame payload;
// the typed accessors below interpret it per frame type.
type Frame struct {
	FrameHeader
	Payload []byte
}

// StreamEnded reports whether the frame carries END_STREAM. Only meaningful
// for DATA and HEADERS frames.
func (f *Frame) StreamEnded() bool { return f.Flags.Has(FlagEndStream) }

// HeadersEnded reports whether the frame carries END_HEADERS. Only meaningful
// for HEADERS, PUSH_PROMISE and CONTINUATION frames.
func (f *Frame) HeadersEnded() bool { return f.Flags.Has(FlagEndHeaders) }

// Priority carries the PRIORITY frame payload or the priority fields of a
// HEADERS frame.
type Priority struct {
	StreamDep uint32
	Exclusive bool
	Weight    uint8
}

// DataPayload returns the application data of a DATA frame with any padding
// stripped. An invalid pad length is a connection error per RFC 7540 §6.1.
func (f *Frame) DataPayload() ([]byte, error) {
	p := f.Payload
	if !f.Flags.Has(FlagPadded) {
		return p, nil
	}
	if len(p) < 1 {
		return nil, ConnectionError{Code: ErrCodeProtocol, Reason: "DATA missing pad length"}
	}
	padLen := int(p[0])
	p = p[1:]
	if padLen > len(p) {
		return nil, ConnectionError{Code: ErrCodeProtocol, Reason: "DATA pad length exceeds payload"}
	}
	return p[:len(p)-padLen], nil
}

// HeaderBlockFragment returns the header block fragment of a HEADERS frame
// with padding stripped, plus the priority fields if present.
func (f *Frame) HeaderBlockFragment() ([]byte, *Priority, error) {
	p := f.Payload
	if f.Flags.Has(FlagPadded) {
		if len(p) < 1 {
			return nil, nil, ConnectionError{Code: ErrCodeProtocol, Reason: "HEADERS missing pad length"}
		}
		padLen := int(p[0])
		p = p[1:]
		if padLen > len(p) {
			return nil, nil, ConnectionError{Code: ErrCodeProtocol, Reason: "HEADERS pad length exceeds payload"}
		}
		p = p[:len(p)-padLen]
	}
	var prio *Priority
	if f.Flags.Has(FlagPriority) {
		if len(p) < 5 {
			return nil, nil, ConnectionError{Code: ErrCodeFrameSize, Reason: "HEADERS priority fields truncated"}
		}
		dep := binary.BigEndian.Uint32(p[:4])
		prio = &Priority{
			StreamDep: dep & 0x7fffffff,
			Exclusive: dep&0x80000000 != 0,
			Weight:    p[4],
		}
		p = p[5:]
	}
	return p, prio, nil
}

// PushPromise returns the promised stream id and the header block fragment of
// a PUSH_PROMISE frame.
func (f *Frame) PushPromise() (promisedID uint32, frag []byte, err error) {
	p := f.Payload
	if f.Flags.Has(FlagPadded) {
		if len(p) < 1 {
			return 0, nil, ConnectionError{Code: ErrCodeProtocol, Reason: "PUSH_PROMISE missing pad length"}
		}
		padLen := int(p[0])
		p = p[1:]
		if padLen > len(p) {
			return 0, nil, ConnectionError{Code: ErrCodeProtocol, Reason: "PUSH_PROMISE pad length exceeds payload"}
		}
		p = p[:len(p)-padLen]
	}
	if len(p) < 4 {
		return 0, nil, ConnectionError{Code: ErrCodeFrameSize, Reason: "PUSH_PROMISE payload truncated"}
	}
	promisedID = binary.BigEndian.Uint32(p[:4]) & 0x7fffffff
	return promisedID, p[4:], nil
}

// RSTStreamCode returns the error code of an RST_STREAM frame. The reader
// guarantees the 4-octet payload length.
func (f *Frame) RSTStreamCode() ErrCode {
	return ErrCode(binary.BigEndian.Uint32(f.Payload[:4]))
}

// WindowIncrement returns the window size increment of a WINDOW_UPDATE frame
// with the reserved bit masked.
func (f *Frame) WindowIncrement() uint32 {
	return binary.BigEndian.Uint32(f.Payload[:4]) & 0x7fffffff
}

// GoAway returns the last stream id, error code and debug data of a GOAWAY
// frame.
func (f *Frame) GoAway() (lastStreamID uint32, code ErrCode, debug []byte) {
	lastStreamID = binary.BigEndian.Uint32(f.Payload[:4]) & 0x7fffffff
	code = ErrCode(binary.BigEndian.Uint32(f.Payload[4:8]))
	return lastStreamID, code, f.Payload[8:]
}

// PingData returns the opaque 8-octet payload of a PING frame.
func (f *Frame) PingData() (data [8]byte) {
	copy(data[:], f.Payload)
	return data
}
