package frame

import (
	"encoding/binary"
	"fmt"
)

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

// SETTINGS parameters per RFC 7540 §6.5.2
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if name, ok := settingNames[id]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
}

// Setting is one id/value pair of a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

func (s Setting) String() string {
	return fmt.Sprintf("[%v = %d]", s.ID, s.Val)
}

// Valid checks the announced value against the protocol limits.
func (s Setting) Valid() error {
	switch s.ID {
	case SettingEnablePush:
		if s.Val != 0 && s.Val != 1 {
			return ConnectionError{Code: ErrCodeProtocol, Reason: "ENABLE_PUSH must be 0 or 1"}
		}
	case SettingInitialWindowSize:
		// "Values above the maximum flow control window size of 2^31-1 MUST
		// be treated as a connection error of type FLOW_CONTROL_ERROR."
		if s.Val > uint32(MaxWindowSize) {
			return ConnectionError{Code: ErrCodeFlowControl, Reason: "INITIAL_WINDOW_SIZE above 2^31-1"}
		}
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxAllowedFrameSize {
			return ConnectionError{Code: ErrCodeProtocol, Reason: "MAX_FRAME_SIZE outside [2^14, 2^24-1]"}
		}
	}
	return nil
}

// Settings parses the payload of a non-ACK SETTINGS frame. The reader has
// already verified the payload length is a multiple of six.
func (f *Frame) Settings() []Setting {
	n := len(f.Payload) / 6
	settings := make([]Setting, 0, n)
	for i := 0; i < n; i++ {
		buf := f.Payload[i*6:]
		settings = append(settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(buf[:2])),
			Val: binary.BigEndian.Uint32(buf[2:6]),
		})
	}
	return settings
}

// appendSettings serializes settings into SETTINGS payload wire form.
func appendSettings(dst []byte, settings []Setting) []byte {
	for _, s := range settings {
		dst = append(dst,
			byte(s.ID>>8), byte(s.ID),
			byte(s.Val>>24), byte(s.Val>>16), byte(s.Val>>8), byte(s.Val))
	}
	return dst
}
