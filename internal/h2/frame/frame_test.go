package frame

import (
	"bytes"
	"io"
	"testing"
)

func TestReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteData(3, true, []byte("hello")); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Type != TypeData {
		t.Errorf("Expected DATA frame, got %v", f.Type)
	}
	if f.StreamID != 3 {
		t.Errorf("Expected stream 3, got %d", f.StreamID)
	}
	if !f.StreamEnded() {
		t.Error("Expected END_STREAM flag")
	}
	if string(f.Payload) != "hello" {
		t.Errorf("Expected payload %q, got %q", "hello", f.Payload)
	}
}

func TestReadFrame_EOFBetweenFrames(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestReadFrame_EOFMidFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteData(1, false, []byte("partial")); err != nil {
		t.Fatalf("WriteData failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	r := NewReader(bytes.NewReader(truncated))
	if _, err := r.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrame_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(appendHeader(nil, FrameHeader{Length: DefaultMaxFrameSize + 1, Type: TypeData, StreamID: 1}))

	r := NewReader(&buf)
	_, err := r.ReadFrame()
	ce, ok := err.(ConnectionError)
	if !ok {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if ce.Code != ErrCodeFrameSize {
		t.Errorf("Expected FRAME_SIZE_ERROR, got %v", ce.Code)
	}
}

func TestReadFrame_FixedLengths(t *testing.T) {
	tests := []struct {
		name     string
		header   FrameHeader
		wantCode ErrCode
	}{
		{"PING wrong length", FrameHeader{Length: 7, Type: TypePing}, ErrCodeFrameSize},
		{"RST_STREAM wrong length", FrameHeader{Length: 3, Type: TypeRSTStream, StreamID: 1}, ErrCodeFrameSize},
		{"WINDOW_UPDATE wrong length", FrameHeader{Length: 5, Type: TypeWindowUpdate}, ErrCodeFrameSize},
		{"SETTINGS not multiple of 6", FrameHeader{Length: 5, Type: TypeSettings}, ErrCodeFrameSize},
		{"SETTINGS ACK with payload", FrameHeader{Length: 6, Type: TypeSettings, Flags: FlagAck}, ErrCodeFrameSize},
		{"GOAWAY too short", FrameHeader{Length: 4, Type: TypeGoAway}, ErrCodeFrameSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(appendHeader(nil, tt.header)))
			_, err := r.ReadFrame()
			ce, ok := err.(ConnectionError)
			if !ok {
				t.Fatalf("Expected ConnectionError, got %v", err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Expected %v, got %v", tt.wantCode, ce.Code)
			}
		})
	}
}

func TestReadFrame_PriorityWrongLengthIsStreamError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(appendHeader(nil, FrameHeader{Length: 4, Type: TypePriority, StreamID: 5}))
	buf.Write([]byte{0, 0, 0, 1})
	// A second frame must still be readable after the malformed PRIORITY.
	w := NewWriter(&buf)
	if err := w.WritePing(false, [8]byte{1}); err != nil {
		t.Fatalf("WritePing failed: %v", err)
	}

	r := NewReader(&buf)
	_, err := r.ReadFrame()
	se, ok := err.(StreamError)
	if !ok {
		t.Fatalf("Expected StreamError, got %v", err)
	}
	if se.StreamID != 5 || se.Code != ErrCodeFrameSize {
		t.Errorf("Expected stream 5 FRAME_SIZE_ERROR, got stream %d %v", se.StreamID, se.Code)
	}
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("Expected frame sequence to stay aligned, got %v", err)
	}
	if f.Type != TypePing {
		t.Errorf("Expected PING after malformed PRIORITY, got %v", f.Type)
	}
}

func TestReadFrame_UnknownTypePassesThrough(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(appendHeader(nil, FrameHeader{Length: 2, Type: Type(0xf), StreamID: 1}))
	buf.Write([]byte{0xde, 0xad})

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("Expected unknown frame type to parse, got %v", err)
	}
	if f.Type != Type(0xf) {
		t.Errorf("Expected type 0xf, got %v", f.Type)
	}
}

func TestReadFrame_ReservedBitMasked(t *testing.T) {
	var buf bytes.Buffer
	hdr := appendHeader(nil, FrameHeader{Length: 0, Type: TypeData, StreamID: 1})
	hdr[5] |= 0x80 // set the reserved bit
	buf.Write(hdr)

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.StreamID != 1 {
		t.Errorf("Expected reserved bit masked, got stream id %d", f.StreamID)
	}
}

func TestWriteHeaders_Continuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	block := bytes.Repeat([]byte{0x42}, int(DefaultMaxFrameSize)+100)

	if err := w.WriteHeaders(7, true, block); err != nil {
		t.Fatalf("WriteHeaders failed: %v", err)
	}

	r := NewReader(&buf)
	first, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if first.Type != TypeHeaders {
		t.Fatalf("Expected HEADERS, got %v", first.Type)
	}
	if first.HeadersEnded() {
		t.Error("Expected END_HEADERS to be deferred to the CONTINUATION frame")
	}
	if !first.StreamEnded() {
		t.Error("Expected END_STREAM on the HEADERS frame")
	}
	cont, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if cont.Type != TypeContinuation {
		t.Fatalf("Expected CONTINUATION, got %v", cont.Type)
	}
	if !cont.HeadersEnded() {
		t.Error("Expected END_HEADERS on the final CONTINUATION frame")
	}
	if cont.StreamID != 7 {
		t.Errorf("Expected CONTINUATION on stream 7, got %d", cont.StreamID)
	}
	if len(first.Payload)+len(cont.Payload) != len(block) {
		t.Errorf("Expected fragments to cover %d bytes, got %d", len(block), len(first.Payload)+len(cont.Payload))
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	want := []Setting{
		{ID: SettingMaxConcurrentStreams, Val: 100},
		{ID: SettingInitialWindowSize, Val: 1 << 20},
	}
	if err := w.WriteSettings(want...); err != nil {
		t.Fatalf("WriteSettings failed: %v", err)
	}

	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	got := f.Settings()
	if len(got) != len(want) {
		t.Fatalf("Expected %d settings, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected setting %v, got %v", want[i], got[i])
		}
	}
}

func TestSetting_Valid(t *testing.T) {
	tests := []struct {
		name    string
		setting Setting
		wantErr bool
	}{
		{"valid enable push", Setting{SettingEnablePush, 1}, false},
		{"invalid enable push", Setting{SettingEnablePush, 2}, true},
		{"window at limit", Setting{SettingInitialWindowSize, 1<<31 - 1}, false},
		{"window over limit", Setting{SettingInitialWindowSize, 1 << 31}, true},
		{"frame size too small", Setting{SettingMaxFrameSize, 16383}, true},
		{"frame size too large", Setting{SettingMaxFrameSize, 1 << 24}, true},
		{"unknown setting ignored", Setting{SettingID(0x99), 12345}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.setting.Valid()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDataPayload_Padding(t *testing.T) {
	f := &Frame{
		FrameHeader: FrameHeader{Type: TypeData, Flags: FlagPadded, StreamID: 1},
		Payload:     append([]byte{3}, append([]byte("data"), 0, 0, 0)...),
	}
	got, err := f.DataPayload()
	if err != nil {
		t.Fatalf("DataPayload failed: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Expected %q, got %q", "data", got)
	}

	bad := &Frame{
		FrameHeader: FrameHeader{Type: TypeData, Flags: FlagPadded, StreamID: 1},
		Payload:     []byte{200, 'x'},
	}
	if _, err := bad.DataPayload(); err == nil {
		t.Error("Expected error for pad length exceeding payload")
	}
}

func TestPushPromise_Parse(t *testing.T) {
	payload := []byte{0, 0, 0, 4, 0xaa, 0xbb}
	f := &Frame{FrameHeader: FrameHeader{Type: TypePushPromise, StreamID: 1}, Payload: payload}
	id, frag, err := f.PushPromise()
	if err != nil {
		t.Fatalf("PushPromise failed: %v", err)
	}
	if id != 4 {
		t.Errorf("Expected promised id 4, got %d", id)
	}
	if !bytes.Equal(frag, []byte{0xaa, 0xbb}) {
		t.Errorf("Expected fragment %v, got %v", []byte{0xaa, 0xbb}, frag)
	}
}

func TestGoAway_Parse(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteGoAway(5, ErrCodeEnhanceYourCalm, []byte("slow down")); err != nil {
		t.Fatalf("WriteGoAway failed: %v", err)
	}
	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	last, code, debug := f.GoAway()
	if last != 5 {
		t.Errorf("Expected last stream id 5, got %d", last)
	}
	if code != ErrCodeEnhanceYourCalm {
		t.Errorf("Expected ENHANCE_YOUR_CALM, got %v", code)
	}
	if string(debug) != "slow down" {
		t.Errorf("Expected debug data %q, got %q", "slow down", debug)
	}
}

func TestHeaderCodec_RoundTrip(t *testing.T) {
	enc := NewHeaderEncoder()
	dec := NewHeaderDecoder(DefaultHeaderTableSize)

	want := [][2]string{
		{":method", "GET"},
		{":path", "/index.html"},
		{":scheme", "https"},
		{":authority", "example.com"},
		{"accept", "*/*"},
	}
	block, err := enc.Encode(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := dec.Decode(block)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d fields, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected field %v, got %v", want[i], got[i])
		}
	}

	// Second block exercising the dynamic table entries added by the first.
	block2, err := enc.Encode(want)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(block2) >= len(block) {
		t.Errorf("Expected dynamic table to shrink the second block: first %d, second %d", len(block), len(block2))
	}
	if _, err := dec.Decode(block2); err != nil {
		t.Fatalf("Decode of second block failed: %v", err)
	}
}

func TestHeaderDecoder_MalformedIsCompressionError(t *testing.T) {
	dec := NewHeaderDecoder(DefaultHeaderTableSize)
	// 0xbf starts a 6-bit prefixed indexed field with a continuation byte
	// that never terminates: malformed varint.
	if _, err := dec.Decode([]byte{0xbf}); err == nil {
		t.Fatal("Expected decode error for malformed block")
	} else if ce, ok := err.(ConnectionError); !ok || ce.Code != ErrCodeCompression {
		t.Errorf("Expected COMPRESSION_ERROR connection error, got %v", err)
	}
}
