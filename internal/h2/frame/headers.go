package frame

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// HeaderEncoder encodes header lists using HPACK. It owns one side of the
// connection's dynamic table and must only be used from the connection's
// writer goroutine.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     bytes.Buffer
}

// NewHeaderEncoder creates a header encoder with the default dynamic table.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.encoder = hpack.NewEncoder(&e.buf)
	return e
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (e *HeaderEncoder) SetMaxDynamicTableSize(v uint32) {
	e.encoder.SetMaxDynamicTableSize(v)
}

// Encode encodes headers to an HPACK header block. The returned slice is only
// valid until the next Encode call.
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	return e.buf.Bytes(), nil
}

// HeaderDecoder decodes HPACK header blocks. It owns the receive side of the
// connection's dynamic table and must only be used from the connection's
// reader goroutine. Any decode failure is a COMPRESSION_ERROR and fatal for
// the whole connection: compression state is shared, so no partial recovery
// is attempted even for streams the processor intends to reset.
type HeaderDecoder struct {
	decoder *hpack.Decoder
	fields  [][2]string
}

// NewHeaderDecoder creates a header decoder advertising maxTableSize as the
// local dynamic table limit.
func NewHeaderDecoder(maxTableSize uint32) *HeaderDecoder {
	d := &HeaderDecoder{}
	d.decoder = hpack.NewDecoder(maxTableSize, func(hf hpack.HeaderField) {
		d.fields = append(d.fields, [2]string{hf.Name, hf.Value})
	})
	return d
}

// Decode decodes one complete header block (all fragments concatenated) and
// returns the fields in wire order.
func (d *HeaderDecoder) Decode(block []byte) ([][2]string, error) {
	d.fields = nil
	if _, err := d.decoder.Write(block); err != nil {
		return nil, ConnectionError{Code: ErrCodeCompression, Reason: err.Error()}
	}
	if err := d.decoder.Close(); err != nil {
		return nil, ConnectionError{Code: ErrCodeCompression, Reason: err.Error()}
	}
	fields := d.fields
	d.fields = nil
	return fields, nil
}
