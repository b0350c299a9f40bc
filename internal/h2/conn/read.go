package conn

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/albertbausili/celer/internal/h2/frame"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// readLoop reads and dispatches frames until the connection dies. It owns
// the frame reader and HPACK decoder exclusively. Connection errors produce
// a GOAWAY with the violation's code; transport errors tear down without one
// because the socket is already gone.
func (c *Conn) readLoop() {
	for {
		f, err := c.fr.ReadFrame()
		if err == nil {
			if verboseLogging {
				c.logger.Printf("celer: read %v", f.FrameHeader)
			}
			framesReceivedTotal.WithLabelValues(f.Type.String()).Inc()
			err = c.dispatch(f)
			if err == nil {
				continue
			}
		}
		var ce frame.ConnectionError
		var se frame.StreamError
		switch {
		case errors.As(err, &ce):
			c.teardown(ce, &ce.Code, ce.Reason)
		case errors.As(err, &se):
			c.resetStream(se.StreamID, se.Code, se)
			continue
		default:
			c.teardown(ErrClosedUnexpectedly, nil, "")
		}
		return
	}
}

// dispatch routes one frame. The returned error is a ConnectionError (fatal),
// a StreamError (reset one stream), or a transport error.
func (c *Conn) dispatch(f *frame.Frame) error {
	if !c.sawServerSettings && (f.Type != frame.TypeSettings || f.Flags.Has(frame.FlagAck)) {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "expected SETTINGS as the server preface"}
	}
	if c.accum != nil && f.Type != frame.TypeContinuation {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "header block interrupted by " + f.Type.String()}
	}

	switch f.Type {
	case frame.TypeSettings:
		return c.processSettings(f)
	case frame.TypeHeaders:
		return c.processHeaders(f)
	case frame.TypeContinuation:
		return c.processContinuation(f)
	case frame.TypeData:
		return c.processData(f)
	case frame.TypePushPromise:
		return c.processPushPromiseFrame(f)
	case frame.TypeRSTStream:
		return c.processRSTStream(f)
	case frame.TypeWindowUpdate:
		return c.processWindowUpdate(f)
	case frame.TypePing:
		return c.processPing(f)
	case frame.TypeGoAway:
		return c.processGoAway(f)
	case frame.TypePriority:
		return c.processPriority(f)
	default:
		// Unknown frame types are ignored, not errors (RFC 7540 §4.1).
		return nil
	}
}

func (c *Conn) processSettings(f *frame.Frame) error {
	if f.Flags.Has(frame.FlagAck) {
		return nil
	}
	var tableSize, maxFrame *uint32
	for _, s := range f.Settings() {
		if err := s.Valid(); err != nil {
			return err
		}
		if verboseLogging {
			c.logger.Printf("celer: peer setting %v", s)
		}
		switch s.ID {
		case frame.SettingHeaderTableSize:
			v := s.Val
			tableSize = &v
		case frame.SettingMaxFrameSize:
			v := s.Val
			maxFrame = &v
			c.flowMu.Lock()
			c.peerMaxFrameSize = v
			c.flowMu.Unlock()
		case frame.SettingInitialWindowSize:
			if err := c.applyInitialWindow(int32(s.Val)); err != nil {
				return err
			}
		case frame.SettingMaxConcurrentStreams:
			c.flowMu.Lock()
			c.peerMaxConcurrent = s.Val
			c.flowMu.Unlock()
		}
	}
	// Settings apply atomically with respect to subsequent frames: the ACK
	// op carries the writer-owned limits so they land in queue order.
	c.wq.enqueue(opSettingsAck{headerTableSize: tableSize, maxFrameSize: maxFrame})

	if !c.sawServerSettings {
		c.sawServerSettings = true
		c.mu.Lock()
		if c.state == StateInitializing {
			c.state = StateOpen
		}
		c.mu.Unlock()
		close(c.initDone)
	}
	return nil
}

// applyInitialWindow retroactively adjusts every open stream's send window
// by the delta of a changed SETTINGS_INITIAL_WINDOW_SIZE (RFC 7540 §6.9.2).
func (c *Conn) applyInitialWindow(v int32) error {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	delta := v - c.peerInitialWindow
	c.peerInitialWindow = v
	if delta == 0 {
		return nil
	}
	for _, st := range c.table.All() {
		if !st.AddSendWindow(delta) {
			return frame.ConnectionError{Code: frame.ErrCodeFlowControl, Reason: "INITIAL_WINDOW_SIZE overflows a stream window"}
		}
	}
	c.flowCond.Broadcast()
	return nil
}

func (c *Conn) processHeaders(f *frame.Frame) error {
	if f.StreamID == 0 {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "HEADERS on stream 0"}
	}
	frag, prio, err := f.HeaderBlockFragment()
	if err != nil {
		return err
	}
	if prio != nil {
		if st := c.table.Get(f.StreamID); st != nil {
			st.SetPriority(*prio)
		}
	}
	if !f.HeadersEnded() {
		c.accum = &headerAccum{streamID: f.StreamID, endStream: f.StreamEnded(), frag: frag}
		return nil
	}
	return c.processHeaderBlock(f.StreamID, 0, frag, f.StreamEnded())
}

func (c *Conn) processContinuation(f *frame.Frame) error {
	if c.accum == nil || f.StreamID != c.accum.streamID {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "CONTINUATION without an open header block"}
	}
	c.accum.frag = append(c.accum.frag, f.Payload...)
	if len(c.accum.frag) > maxHeaderBlockBytes {
		return frame.ConnectionError{Code: frame.ErrCodeCompression, Reason: "header block too large"}
	}
	if !f.HeadersEnded() {
		return nil
	}
	acc := c.accum
	c.accum = nil
	return c.processHeaderBlock(acc.streamID, acc.promisedID, acc.frag, acc.endStream)
}

// processHeaderBlock decodes a complete header block. Decoding always
// happens, even for streams being refused or already closed, because the
// dynamic table must stay synchronized with the peer.
func (c *Conn) processHeaderBlock(streamID, promisedID uint32, frag []byte, endStream bool) error {
	fields, err := c.hdec.Decode(frag)
	if err != nil {
		return err
	}
	if promisedID != 0 {
		return c.processPushPromise(streamID, promisedID, fields)
	}
	return c.processResponseHeaders(streamID, fields, endStream)
}

func (c *Conn) processResponseHeaders(streamID uint32, fields [][2]string, endStream bool) error {
	st := c.table.Get(streamID)
	if st == nil {
		// Closed or reset stream; the table stayed in sync, nothing else to do.
		return nil
	}
	st.Touch()
	if st.ResponseSeen() {
		return c.processTrailers(st, fields, endStream)
	}

	status, hdr, err := parseResponseFields(fields)
	if err != nil {
		c.resetStream(streamID, frame.ErrCodeProtocol, fmt.Errorf("malformed response: %w", err))
		return nil
	}
	if status == http.StatusSwitchingProtocols {
		c.resetStream(streamID, frame.ErrCodeProtocol, ErrSwitchingProtocols)
		return nil
	}
	if status >= 100 && status < 200 {
		if endStream {
			c.resetStream(streamID, frame.ErrCodeProtocol, fmt.Errorf("informational response %d with END_STREAM", status))
			return nil
		}
		if c.opts.Informational != nil {
			c.opts.Informational(status, hdr)
		}
		return nil
	}

	declaredLen := int64(-1)
	if v := hdr.Get("Content-Length"); v != "" && st.Req.Method != http.MethodHead {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n >= 0 {
			declaredLen = n
			st.SetDeclaredLen(n)
		}
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        hdr,
		ContentLength: declaredLen,
		Body:          st.Body(),
	}
	if st.IsPush {
		// reserved (remote) moves to half-closed (local): we never send on
		// a pushed stream.
		st.SetState(stream.StateHalfClosedLocal)
	}
	if endStream {
		if st.EndedShort() {
			c.resetStream(streamID, frame.ErrCodeProtocol, IncompleteResponseError{
				StreamID: streamID,
				Cause:    errors.New("stream ended before declared content length"),
			})
			return nil
		}
		st.SetTrailer(http.Header{})
		st.DeliverResponse(resp)
		st.Body().CloseWithError(io.EOF)
		c.closeRemote(st)
		return nil
	}
	st.DeliverResponse(resp)
	return nil
}

// processTrailers handles a HEADERS frame after the response headers: it
// must end the stream and carry only regular fields.
func (c *Conn) processTrailers(st *stream.Stream, fields [][2]string, endStream bool) error {
	if !endStream {
		c.resetStream(st.ID, frame.ErrCodeProtocol, errors.New("HEADERS after response without END_STREAM"))
		return nil
	}
	hdr := http.Header{}
	for _, f := range fields {
		if strings.HasPrefix(f[0], ":") {
			c.resetStream(st.ID, frame.ErrCodeProtocol, errors.New("pseudo-header in trailers"))
			return nil
		}
		hdr.Add(f[0], f[1])
	}
	if st.EndedShort() {
		c.resetStream(st.ID, frame.ErrCodeProtocol, IncompleteResponseError{
			StreamID: st.ID,
			Cause:    errors.New("stream ended before declared content length"),
		})
		return nil
	}
	st.SetTrailer(hdr)
	st.Body().CloseWithError(io.EOF)
	c.closeRemote(st)
	return nil
}

func (c *Conn) processData(f *frame.Frame) error {
	if f.StreamID == 0 {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "DATA on stream 0"}
	}
	// The whole payload, padding included, counts against flow control.
	n := int32(f.Length)
	if !c.takeConnRecvWindow(n) {
		return frame.ConnectionError{Code: frame.ErrCodeFlowControl, Reason: "DATA beyond connection window"}
	}
	data, err := f.DataPayload()
	if err != nil {
		return err
	}
	st := c.table.Get(f.StreamID)
	if st == nil {
		// Closed or reset stream: hand the credit straight back.
		c.noteConnConsumed(int(n))
		return nil
	}
	st.Touch()
	if !st.TakeRecvWindow(n) {
		c.noteConnConsumed(int(n))
		c.resetStream(f.StreamID, frame.ErrCodeFlowControl, StreamResetError{StreamID: f.StreamID, Code: frame.ErrCodeFlowControl})
		return nil
	}
	if st.NoteRecvData(len(data)) {
		c.noteConnConsumed(int(n))
		c.resetStream(f.StreamID, frame.ErrCodeProtocol, IncompleteResponseError{
			StreamID: f.StreamID,
			Cause:    errors.New("body longer than declared content length"),
		})
		return nil
	}
	if len(data) > 0 {
		st.Body().Push(data)
	}
	if pad := int(n) - len(data); pad > 0 {
		// Padding is never delivered; return its credit immediately.
		c.noteConnConsumed(pad)
		if grant := st.NoteConsumed(pad, 1); grant > 0 {
			c.wq.enqueue(opWindowUpdate{streamID: st.ID, increment: uint32(grant)})
		}
	}
	if f.StreamEnded() {
		if st.EndedShort() {
			c.resetStream(f.StreamID, frame.ErrCodeProtocol, IncompleteResponseError{
				StreamID: f.StreamID,
				Cause:    errors.New("stream ended before declared content length"),
			})
			return nil
		}
		st.SetTrailer(http.Header{})
		st.Body().CloseWithError(io.EOF)
		c.closeRemote(st)
	}
	return nil
}

func (c *Conn) processRSTStream(f *frame.Frame) error {
	if f.StreamID == 0 {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "RST_STREAM on stream 0"}
	}
	st := c.table.Get(f.StreamID)
	if st == nil {
		return nil
	}
	st.MarkGotReset()
	code := f.RSTStreamCode()
	c.terminateStream(st, StreamResetError{
		StreamID: f.StreamID,
		Code:     code,
		// REFUSED_STREAM before any response bytes means the server never
		// processed the request; it is safe to retry elsewhere.
		Unprocessed: code == frame.ErrCodeRefusedStream && !st.SawActivity(),
	})
	return nil
}

func (c *Conn) processWindowUpdate(f *frame.Frame) error {
	incr := f.WindowIncrement()
	if incr == 0 {
		if f.StreamID == 0 {
			return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "WINDOW_UPDATE with zero increment"}
		}
		c.resetStream(f.StreamID, frame.ErrCodeProtocol, StreamResetError{StreamID: f.StreamID, Code: frame.ErrCodeProtocol})
		return nil
	}
	if f.StreamID == 0 {
		c.flowMu.Lock()
		overflow := c.connSendWindow > frame.MaxWindowSize-int32(incr)
		if !overflow {
			c.connSendWindow += int32(incr)
		}
		c.flowMu.Unlock()
		if overflow {
			return frame.ConnectionError{Code: frame.ErrCodeFlowControl, Reason: "connection window overflow"}
		}
		c.flowCond.Broadcast()
		return nil
	}
	st := c.table.Get(f.StreamID)
	if st == nil {
		return nil
	}
	if !st.AddSendWindow(int32(incr)) {
		c.resetStream(f.StreamID, frame.ErrCodeFlowControl, StreamResetError{StreamID: f.StreamID, Code: frame.ErrCodeFlowControl})
		return nil
	}
	c.flowCond.Broadcast()
	return nil
}

func (c *Conn) processPing(f *frame.Frame) error {
	data := f.PingData()
	if f.Flags.Has(frame.FlagAck) {
		c.pingMu.Lock()
		ch := c.pings[data]
		delete(c.pings, data)
		c.pingMu.Unlock()
		if ch != nil {
			close(ch)
		}
		return nil
	}
	c.wq.enqueue(opPing{ack: true, data: data})
	return nil
}

func (c *Conn) processGoAway(f *frame.Frame) error {
	last, code, debug := f.GoAway()
	err := GoAwayError{LastStreamID: last, Code: code, Debug: string(debug)}
	c.logger.Printf("celer: %v", err)

	c.mu.Lock()
	if c.state == StateOpen || c.state == StateInitializing {
		c.state = StateGoingAway
	}
	c.goAwayErr = err
	c.mu.Unlock()

	// Streams above the advertised id will never be processed; lower ids
	// drain to completion.
	for _, st := range c.table.All() {
		if st.ID > last {
			c.terminateStream(st, err)
		}
	}
	c.maybeFinishGoAway()
	return nil
}

func (c *Conn) processPriority(f *frame.Frame) error {
	if f.StreamID == 0 {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "PRIORITY on stream 0"}
	}
	dep := uint32(f.Payload[0])<<24 | uint32(f.Payload[1])<<16 | uint32(f.Payload[2])<<8 | uint32(f.Payload[3])
	if st := c.table.Get(f.StreamID); st != nil {
		st.SetPriority(frame.Priority{
			StreamDep: dep & 0x7fffffff,
			Exclusive: dep&0x80000000 != 0,
			Weight:    f.Payload[4],
		})
	}
	return nil
}

func (c *Conn) processPushPromiseFrame(f *frame.Frame) error {
	if f.StreamID == 0 {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: "PUSH_PROMISE on stream 0"}
	}
	promisedID, frag, err := f.PushPromise()
	if err != nil {
		return err
	}
	if !f.HeadersEnded() {
		c.accum = &headerAccum{streamID: f.StreamID, promisedID: promisedID, frag: frag}
		return nil
	}
	return c.processHeaderBlock(f.StreamID, promisedID, frag, false)
}

// resetStream writes RST_STREAM with code and fails the stream (if still
// live) with cause.
func (c *Conn) resetStream(streamID uint32, code frame.ErrCode, cause error) {
	c.wq.enqueue(opRST{streamID: streamID, code: code})
	if st := c.table.Get(streamID); st != nil {
		st.MarkSentReset()
		c.terminateStream(st, cause)
	}
}

// parseResponseFields validates the decoded field list of a response header
// block: pseudo-headers first, :status exactly once, no request pseudos.
func parseResponseFields(fields [][2]string) (status int, hdr http.Header, err error) {
	hdr = http.Header{}
	status = -1
	sawRegular := false
	for _, f := range fields {
		name, value := f[0], f[1]
		if strings.HasPrefix(name, ":") {
			if sawRegular {
				return 0, nil, errors.New("pseudo-header after regular header")
			}
			if name != ":status" {
				return 0, nil, fmt.Errorf("invalid response pseudo-header %q", name)
			}
			if status != -1 {
				return 0, nil, errors.New("duplicate :status")
			}
			s, perr := strconv.Atoi(value)
			if perr != nil || s < 100 || s > 999 {
				return 0, nil, fmt.Errorf("invalid :status %q", value)
			}
			status = s
			continue
		}
		sawRegular = true
		hdr.Add(name, value)
	}
	if status == -1 {
		return 0, nil, errors.New("missing :status")
	}
	return status, hdr, nil
}
