package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/albertbausili/celer/internal/h2/frame"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// bodyChunkSize is how much request body is read per iteration before being
// sliced to the available flow-control window.
const bodyChunkSize = 16384

// StreamOptions carries per-request overrides of the connection's timeout
// defaults. Zero fields fall back to Options.
type StreamOptions struct {
	InactivityTimeout time.Duration
	TransferTimeout   time.Duration
}

// connectionHeaders are hop-by-hop fields that must never appear in an
// HTTP/2 header block (RFC 7540 §8.1.2.2).
var connectionHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

// ValidateRequest rejects requests that cannot be expressed on the wire,
// before any frame is written.
func ValidateRequest(req *http.Request) error {
	if req == nil || req.URL == nil {
		return InvalidRequestError{Reason: "missing URL"}
	}
	if authority(req) == "" {
		return InvalidRequestError{Reason: "missing authority"}
	}
	if p := req.URL.Path; p != "" && !strings.HasPrefix(p, "/") && p != "*" {
		return InvalidRequestError{Reason: fmt.Sprintf("relative path %q", p)}
	}
	return nil
}

func authority(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// buildHeaderList flattens a validated request into the wire field list:
// pseudo-headers first, regular names lowercased, hop-by-hop fields dropped.
func buildHeaderList(req *http.Request) [][2]string {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	headers := [][2]string{
		{":method", method},
		{":scheme", scheme},
		{":authority", authority(req)},
		{":path", path},
	}
	sawContentLength := false
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if connectionHeaders[lower] {
			continue
		}
		if lower == "content-length" {
			sawContentLength = true
		}
		for _, v := range values {
			headers = append(headers, [2]string{lower, v})
		}
	}
	if !sawContentLength && req.Body != nil && req.ContentLength > 0 {
		headers = append(headers, [2]string{"content-length", strconv.FormatInt(req.ContentLength, 10)})
	}
	return headers
}

// NewStream reserves a stream for req. The id stays unassigned until the
// writer opens the stream on the wire.
func (c *Conn) NewStream(req *http.Request) (*stream.Stream, error) {
	c.mu.Lock()
	state := c.state
	closeErr := c.closeErrLocked()
	c.mu.Unlock()
	switch state {
	case StateConnecting, StateInitializing:
		return nil, ErrNotInitialized
	case StateGoingAway:
		return nil, ErrGoingAway
	case StateClosed:
		return nil, closeErr
	}
	if c.table.Exhausted() {
		return nil, ErrStreamIDExhausted
	}
	if !c.hasStreamCapacity() {
		return nil, ErrNoCapacity
	}
	c.flowMu.Lock()
	peerWindow := c.peerInitialWindow
	c.flowMu.Unlock()
	st := stream.New(req, peerWindow, c.opts.StreamWindow)
	c.bindStream(st)
	return st, nil
}

// bindStream wires the stream's body queue back into flow control and
// early-close handling.
func (c *Conn) bindStream(st *stream.Stream) {
	st.Body().Bind(
		func(n int) {
			if grant := st.NoteConsumed(n, c.opts.StreamWindow/2); grant > 0 && st.State() != stream.StateClosed {
				c.wq.enqueue(opWindowUpdate{streamID: st.ID, increment: uint32(grant)})
			}
			c.noteConnConsumed(n)
		},
		func() {
			// Caller abandoned the body before the end of stream.
			c.resetFromCaller(st, frame.ErrCodeCancel, CancelError{StreamID: st.ID, Cause: errors.New("response body closed")})
		},
	)
}

// Do runs one request/response exchange: validate, reserve a stream, write
// HEADERS (and the body, if any), then suspend until the response headers
// arrive or the stream fails.
func (c *Conn) Do(ctx context.Context, req *http.Request, opts StreamOptions) (*http.Response, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	st, err := c.NewStream(req)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, st, opts)
}

// RoundTripStream runs the exchange for a stream previously reserved with
// NewStream.
func (c *Conn) RoundTripStream(ctx context.Context, st *stream.Stream, opts StreamOptions) (*http.Response, error) {
	return c.roundTrip(ctx, st, opts)
}

func (c *Conn) roundTrip(ctx context.Context, st *stream.Stream, opts StreamOptions) (*http.Response, error) {
	endStream := st.Req.Body == nil
	done := make(chan error, 1)
	if !c.wq.enqueue(opHeaders{st: st, headers: buildHeaderList(st.Req), endStream: endStream, done: done}) {
		return nil, c.err()
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		cause := ctx.Err()
		// Stop the writer from opening the stream, without waiting for it:
		// the socket write may be stalled and a cancelled caller returns
		// immediately. If the writer already opened the stream, the cleanup
		// goroutine resets it on the wire once the write resolves.
		st.MarkSentReset()
		go func() {
			if err := <-done; err == nil {
				c.wq.enqueue(opRST{streamID: st.ID, code: frame.ErrCodeCancel})
				c.terminateStream(st, CancelError{StreamID: st.ID, Cause: cause})
			}
		}()
		return nil, CancelError{Cause: cause}
	}

	c.armStreamTimers(st, opts)
	go c.watchContext(ctx, st)
	if st.Req.Body != nil {
		go c.sendBody(st, st.Req.Body)
	}

	resp, err := st.AwaitResponse(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cancelErr := CancelError{StreamID: st.ID, Cause: err}
			c.resetFromCaller(st, frame.ErrCodeCancel, cancelErr)
			return nil, cancelErr
		}
		return nil, err
	}
	resp.Request = st.Req
	resp.Body = &bodyWithTrailer{st: st, resp: resp}
	return resp, nil
}

// armStreamTimers starts the inactivity and transfer watchers with the
// per-request overrides applied over the connection defaults.
func (c *Conn) armStreamTimers(st *stream.Stream, opts StreamOptions) {
	inactivity := opts.InactivityTimeout
	if inactivity == 0 {
		inactivity = c.opts.InactivityTimeout
	}
	transfer := opts.TransferTimeout
	if transfer == 0 {
		transfer = c.opts.TransferTimeout
	}
	st.ArmTimers(inactivity, transfer,
		func() { c.resetFromCaller(st, frame.ErrCodeCancel, TimeoutError{StreamID: st.ID, Kind: "inactivity"}) },
		func() { c.resetFromCaller(st, frame.ErrCodeCancel, TimeoutError{StreamID: st.ID, Kind: "transfer"}) },
	)
}

// watchContext propagates caller cancellation into a wire-level reset
// without blocking the caller.
func (c *Conn) watchContext(ctx context.Context, st *stream.Stream) {
	select {
	case <-st.Done():
	case <-ctx.Done():
		c.resetFromCaller(st, frame.ErrCodeCancel, CancelError{StreamID: st.ID, Cause: ctx.Err()})
	}
}

// resetFromCaller resets a live stream from outside the reader goroutine:
// the RST_STREAM op is enqueued without blocking and the caller's wait
// resolves with cause.
func (c *Conn) resetFromCaller(st *stream.Stream, code frame.ErrCode, cause error) {
	if !st.TryMarkSentReset() {
		return
	}
	if st.ID != 0 {
		c.wq.enqueue(opRST{streamID: st.ID, code: code})
	}
	c.terminateStream(st, cause)
}

// sendBody streams the request body as DATA frames, one window reservation
// per frame. It stops silently when the stream or connection dies; the
// failure already reached the caller through the stream.
func (c *Conn) sendBody(st *stream.Stream, body io.ReadCloser) {
	defer body.Close()
	buf := make([]byte, bodyChunkSize)
	for {
		n, rerr := body.Read(buf)
		sent := 0
		for sent < n {
			take, err := c.takeSendWindow(st, int32(n-sent))
			if err != nil {
				return
			}
			chunk := make([]byte, take)
			copy(chunk, buf[sent:sent+int(take)])
			if !c.wq.enqueue(opData{st: st, data: chunk, endStream: false}) {
				return
			}
			sent += int(take)
		}
		if rerr == io.EOF {
			c.wq.enqueue(opData{st: st, endStream: true})
			return
		}
		if rerr != nil {
			c.resetFromCaller(st, frame.ErrCodeCancel, fmt.Errorf("request body read: %w", rerr))
			return
		}
	}
}

// bodyWithTrailer hands the stream's body to the caller and copies the
// trailers onto the response once the body cleanly ends.
type bodyWithTrailer struct {
	st   *stream.Stream
	resp *http.Response
}

func (b *bodyWithTrailer) Read(p []byte) (int, error) {
	n, err := b.st.Body().Read(p)
	if err == io.EOF {
		b.resp.Trailer = b.st.Trailer()
	}
	return n, err
}

func (b *bodyWithTrailer) Close() error {
	return b.st.Body().Close()
}
