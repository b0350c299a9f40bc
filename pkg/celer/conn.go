package celer

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/albertbausili/celer/internal/h2/conn"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// Socket is the duplex byte transport a Conn runs over. net.Conn and
// *tls.Conn satisfy it.
type Socket = conn.Socket

// Conn multiplexes HTTP/2 request/response exchanges over a single socket.
// It is safe for concurrent use; one Conn per origin is the intended shape.
type Conn struct {
	cfg Config
	pc  *conn.Conn
}

// NewConn wraps an established socket. The connection is inert until
// Initialize runs the preface and SETTINGS exchange.
func NewConn(sock Socket, cfg Config) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Conn{cfg: cfg}
	opts := conn.Options{
		Logger:               cfg.Logger,
		StreamWindow:         int32(cfg.InitialWindowSize),
		ConnWindow:           int32(cfg.ConnWindowSize),
		MaxFrameSize:         cfg.MaxFrameSize,
		HeaderTableSize:      cfg.HeaderTableSize,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		InactivityTimeout:    cfg.InactivityTimeout,
		TransferTimeout:      cfg.TransferTimeout,
		Informational:        cfg.Informational,
	}
	if cfg.PushHandler != nil {
		opts.PushHandler = countingPushHandler{inner: cfg.PushHandler}
	}
	c.pc = conn.New(sock, opts)
	return c, nil
}

// Initialize performs the connection preface and blocks until the server's
// first SETTINGS frame arrives. It must complete before any stream is
// requested. The configured InitializeTimeout applies unless ctx already
// carries a deadline.
func (c *Conn) Initialize(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && c.cfg.InitializeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InitializeTimeout)
		defer cancel()
	}
	return c.pc.Initialize(ctx)
}

// Stream is a reserved request/response slot on a connection. The wire
// stream id stays unassigned until RoundTrip writes the request headers.
type Stream struct {
	c        *Conn
	st       *stream.Stream
	wantComp bool
}

// ID returns the wire stream id, zero until the request headers were written.
func (s *Stream) ID() uint32 { return s.st.ID }

// RoundTrip runs the reserved exchange and suspends until the response
// headers arrive or the stream fails.
func (s *Stream) RoundTrip(ctx context.Context) (*http.Response, error) {
	return s.c.finishRoundTrip(ctx, s.st, RoundTripOptions{}, s.wantComp)
}

// GetStream reserves a stream for req. It returns nil when the connection
// has no capacity for another stream, is draining after GOAWAY, or is
// closed. Calling it before Initialize completes is a programming error and
// also yields nil.
func (c *Conn) GetStream(req *http.Request) *Stream {
	req, wantComp := c.decorateRequest(req)
	st, err := c.pc.NewStream(req)
	if err != nil {
		c.cfg.Logger.Printf("celer: GetStream: %v", err)
		return nil
	}
	return &Stream{c: c, st: st, wantComp: wantComp}
}

// RoundTripOptions carries per-request overrides of the connection's
// timeout defaults. Zero fields fall back to Config.
type RoundTripOptions struct {
	InactivityTimeout time.Duration
	TransferTimeout   time.Duration
}

// RoundTrip runs one request/response exchange over the connection. The
// request context governs cancellation for the whole exchange, body
// included.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.RoundTripOpt(req, RoundTripOptions{})
}

// RoundTripOpt is RoundTrip with per-request timeout overrides.
func (c *Conn) RoundTripOpt(req *http.Request, opts RoundTripOptions) (*http.Response, error) {
	if err := conn.ValidateRequest(req); err != nil {
		streamErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	req, wantComp := c.decorateRequest(req)
	st, err := c.pc.NewStream(req)
	if err != nil {
		streamErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	return c.finishRoundTrip(req.Context(), st, opts, wantComp)
}

// finishRoundTrip is the shared tail of RoundTripOpt and Stream.RoundTrip:
// tracing, metrics, the exchange itself, and response decompression.
func (c *Conn) finishRoundTrip(ctx context.Context, st *stream.Stream, opts RoundTripOptions, wantComp bool) (*http.Response, error) {
	ctx, span := c.startSpan(ctx, st.Req)
	start := time.Now()
	streamsInFlight.Inc()
	defer streamsInFlight.Dec()

	resp, err := c.pc.RoundTripStream(ctx, st, conn.StreamOptions{
		InactivityTimeout: opts.InactivityTimeout,
		TransferTimeout:   opts.TransferTimeout,
	})
	requestDuration.WithLabelValues(st.Req.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		streamErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		endSpanError(span, err)
		return nil, err
	}
	requestsTotal.WithLabelValues(st.Req.Method, statusLabel(resp.StatusCode)).Inc()
	endSpanOK(span, resp.StatusCode)
	if wantComp {
		decompressResponse(resp)
	}
	return resp, nil
}

// Ping sends a PING frame and waits for its acknowledgement.
func (c *Conn) Ping(ctx context.Context) error {
	return c.pc.Ping(ctx)
}

// CanTakeNewRequest reports whether the connection would accept another
// stream right now.
func (c *Conn) CanTakeNewRequest() bool {
	return c.pc.CanTakeNewRequest()
}

// Close shuts the connection down gracefully with GOAWAY(NO_ERROR). It is
// idempotent.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// Err returns the terminal error once the connection closed, nil before.
func (c *Conn) Err() error {
	return c.pc.Err()
}

// Done is closed when the connection finishes tearing down.
func (c *Conn) Done() <-chan struct{} {
	return c.pc.Done()
}

// OnClose registers fn to run when the connection closes. Registration
// after close runs fn immediately.
func (c *Conn) OnClose(fn func()) {
	c.pc.OnClose(fn)
}

// LocalAddr returns the local address of the underlying socket.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// RemoteAddr returns the remote address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.pc.RemoteAddr() }

// countingPushHandler decorates the configured capability with the push
// counter.
type countingPushHandler struct {
	inner PushHandler
}

func (h countingPushHandler) HandlePush(p *PushPromise) {
	pushesTotal.Inc()
	h.inner.HandlePush(p)
}
