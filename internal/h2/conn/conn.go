// Package conn implements the HTTP/2 client connection processor: the state
// machine that owns one socket, reads and dispatches incoming frames, drives
// per-stream state, manages flow-control windows and settings, and serializes
// every outgoing frame through a single writer goroutine.
package conn

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/albertbausili/celer/internal/h2/frame"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// verboseLogging enables per-frame logging. Compile-time switch to keep the
// hot path free of logger calls in normal builds.
const verboseLogging = false

// closeGrace bounds how long a teardown waits for the writer to flush its
// final frames before the socket is closed underneath it.
const closeGrace = time.Second

// maxHeaderBlockBytes caps an accumulated HEADERS + CONTINUATION block.
const maxHeaderBlockBytes = 1 << 20

// Socket is the duplex byte stream the connection runs on. net.Conn
// satisfies it; tests use net.Pipe.
type Socket interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// State is the connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateInitializing
	StateOpen
	StateGoingAway
	StateClosed
)

var connStateNames = map[State]string{
	StateConnecting:   "connecting",
	StateInitializing: "initializing",
	StateOpen:         "open",
	StateGoingAway:    "going away",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := connStateNames[s]; ok {
		return name
	}
	return "invalid state"
}

// Options configures a connection. The façade package fills it from its
// public Config; zero fields get protocol defaults.
type Options struct {
	Logger *log.Logger

	// StreamWindow is the receive window advertised per stream.
	StreamWindow int32
	// ConnWindow is the connection-level receive window.
	ConnWindow int32
	// MaxFrameSize is the advertised SETTINGS_MAX_FRAME_SIZE read limit.
	MaxFrameSize uint32
	// HeaderTableSize is the advertised HPACK dynamic table limit.
	HeaderTableSize uint32
	// MaxConcurrentStreams caps locally initiated parallel streams; the
	// peer's SETTINGS value applies on top.
	MaxConcurrentStreams uint32

	// InactivityTimeout and TransferTimeout are per-stream defaults,
	// overridable per request. Zero disables.
	InactivityTimeout time.Duration
	TransferTimeout   time.Duration

	// PushHandler receives accepted server pushes. Nil means every push is
	// refused; a refusing handler is installed so the processor never
	// checks for nil.
	PushHandler PushHandler

	// Informational receives 1xx responses other than 101. Optional.
	Informational func(statusCode int, header http.Header)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.StreamWindow <= 0 {
		o.StreamWindow = 4 << 20
	}
	if o.ConnWindow < int32(frame.DefaultInitialWindowSize) {
		o.ConnWindow = 16 << 20
	}
	if o.MaxFrameSize < frame.DefaultMaxFrameSize || o.MaxFrameSize > frame.MaxAllowedFrameSize {
		o.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if o.HeaderTableSize == 0 {
		o.HeaderTableSize = frame.DefaultHeaderTableSize
	}
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = 100
	}
	if o.PushHandler == nil {
		o.PushHandler = refuseAllPushes{}
	}
	return o
}

// Conn is one HTTP/2 client connection. One reader goroutine owns the frame
// reader and HPACK decoder; one writer goroutine owns the frame writer and
// HPACK encoder; everything else reaches the wire through the write queue.
type Conn struct {
	sock   Socket
	opts   Options
	logger *log.Logger

	fr   *frame.Reader
	fw   *frame.Writer        // writer goroutine only
	henc *frame.HeaderEncoder // writer goroutine only
	hdec *frame.HeaderDecoder // reader goroutine only

	wq         *writeQueue
	writerDone chan struct{}

	table *stream.Table

	mu        sync.Mutex
	state     State
	closeErr  error
	goAwayErr error
	onClose   []func()

	flowMu            sync.Mutex
	flowCond          *sync.Cond
	connSendWindow    int32
	connRecvWindow    int32
	connConsumed      int32
	peerInitialWindow int32
	peerMaxFrameSize  uint32
	peerMaxConcurrent uint32

	pingMu sync.Mutex
	pings  map[[8]byte]chan struct{}

	initDone chan struct{}
	closed   chan struct{}

	// reader goroutine state
	sawServerSettings bool
	accum             *headerAccum
}

// headerAccum collects a header block split across CONTINUATION frames.
// While non-nil, no other frame type is legal on the connection.
type headerAccum struct {
	streamID   uint32
	promisedID uint32 // nonzero for a PUSH_PROMISE block
	endStream  bool
	frag       []byte
}

// New creates a connection over sock. It performs no I/O; call Initialize
// before requesting streams.
func New(sock Socket, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		sock:              sock,
		opts:              opts,
		logger:            opts.Logger,
		fr:                frame.NewReader(sock),
		fw:                frame.NewWriter(sock),
		henc:              frame.NewHeaderEncoder(),
		hdec:              frame.NewHeaderDecoder(opts.HeaderTableSize),
		wq:                newWriteQueue(),
		writerDone:        make(chan struct{}),
		table:             stream.NewTable(),
		connSendWindow:    int32(frame.DefaultInitialWindowSize),
		connRecvWindow:    opts.ConnWindow,
		peerInitialWindow: int32(frame.DefaultInitialWindowSize),
		peerMaxFrameSize:  frame.DefaultMaxFrameSize,
		peerMaxConcurrent: ^uint32(0),
		pings:             make(map[[8]byte]chan struct{}),
		initDone:          make(chan struct{}),
		closed:            make(chan struct{}),
	}
	c.flowCond = sync.NewCond(&c.flowMu)
	c.fr.SetMaxFrameSize(opts.MaxFrameSize)
	return c
}

// Initialize writes the client preface and SETTINGS and waits for the
// server's SETTINGS preface. It must complete before the first stream;
// requesting a stream earlier fails with ErrNotInitialized.
func (c *Conn) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("initialize on %v connection", state)
	}
	c.state = StateInitializing
	c.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()

	settings := []frame.Setting{
		{ID: frame.SettingHeaderTableSize, Val: c.opts.HeaderTableSize},
		{ID: frame.SettingInitialWindowSize, Val: uint32(c.opts.StreamWindow)},
		{ID: frame.SettingMaxFrameSize, Val: c.opts.MaxFrameSize},
	}
	var extra uint32
	if c.opts.ConnWindow > int32(frame.DefaultInitialWindowSize) {
		extra = uint32(c.opts.ConnWindow) - frame.DefaultInitialWindowSize
	}
	if !c.wq.enqueue(opInit{settings: settings, connWindowExtra: extra}) {
		return c.err()
	}

	select {
	case <-c.initDone:
		return nil
	case <-c.closed:
		return fmt.Errorf("initialize: %w", c.err())
	case <-ctx.Done():
		c.teardown(fmt.Errorf("initialize: %w", ctx.Err()), nil, "")
		return ctx.Err()
	}
}

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after the connection closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return nil
	}
	return c.closeErrLocked()
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErrLocked()
}

func (c *Conn) closeErrLocked() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnClosed
}

// Done returns a channel closed when the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// OnClose registers fn to run when the connection closes. If it is already
// closed, fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// LocalAddr returns the socket's local address.
func (c *Conn) LocalAddr() net.Addr { return c.sock.LocalAddr() }

// RemoteAddr returns the socket's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// Socket exposes the underlying socket for TLS state inspection.
func (c *Conn) Socket() Socket { return c.sock }

// CanTakeNewRequest reports whether a new stream could be opened right now.
func (c *Conn) CanTakeNewRequest() bool {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	return open && !c.table.Exhausted() && c.hasStreamCapacity()
}

func (c *Conn) hasStreamCapacity() bool {
	c.flowMu.Lock()
	limit := c.peerMaxConcurrent
	c.flowMu.Unlock()
	if c.opts.MaxConcurrentStreams < limit {
		limit = c.opts.MaxConcurrentStreams
	}
	return uint32(c.table.ActiveClientStreams()) < limit
}

// Close terminates the connection: a GOAWAY(NO_ERROR) is flushed, every
// in-flight stream fails with a connection-closed error, and registered
// close observers run. Idempotent.
func (c *Conn) Close() error {
	code := frame.ErrCodeNo
	c.teardown(ErrConnClosed, &code, "")
	return nil
}

// Ping sends a PING and waits for its ACK, a liveness probe independent of
// request traffic.
func (c *Conn) Ping(ctx context.Context) error {
	var data [8]byte
	if _, err := rand.Read(data[:]); err != nil {
		return err
	}
	ch := make(chan struct{})
	c.pingMu.Lock()
	c.pings[data] = ch
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.pings, data)
		c.pingMu.Unlock()
	}()

	if !c.wq.enqueue(opPing{ack: false, data: data}) {
		return c.err()
	}
	select {
	case <-ch:
		return nil
	case <-c.closed:
		return c.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown moves the connection to StateClosed exactly once: the optional
// GOAWAY is appended as the queue's final op, all live streams fail with
// cause, and observers run. Safe to call from any goroutine.
func (c *Conn) teardown(cause error, goAwayCode *frame.ErrCode, debug string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeErr = cause
	observers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.logger.Printf("celer: connection closed: %v", cause)
	if goAwayCode != nil {
		c.wq.shutdown(opGoAway{
			lastStreamID: c.table.LastPromised(),
			code:         *goAwayCode,
			debug:        []byte(debug),
		})
	} else {
		c.wq.shutdown()
	}
	// The writer closes the socket after draining; if it is stuck on a dead
	// peer, close underneath it.
	time.AfterFunc(closeGrace, func() { c.sock.Close() })

	for _, st := range c.table.All() {
		c.terminateStream(st, cause)
	}
	c.flowCond.Broadcast()
	close(c.closed)
	for _, fn := range observers {
		fn()
	}
}

// terminateStream removes st from the table and resolves its waiter with a
// failure. An in-progress body turns transport causes into a "response did
// not complete" wrap; typed stream outcomes pass through unchanged.
func (c *Conn) terminateStream(st *stream.Stream, cause error) {
	if c.table.Delete(st.ID) == nil {
		return
	}
	if buffered := st.Body().DetachCredit(); buffered > 0 {
		// Undelivered body bytes still hold connection window credit. The
		// detach keeps later drain reads from crediting them a second time.
		c.noteConnConsumed(buffered)
	}
	finalErr := cause
	switch cause.(type) {
	case CancelError, TimeoutError, StreamResetError, IncompleteResponseError, GoAwayError:
	default:
		if st.ResponseSeen() {
			finalErr = IncompleteResponseError{StreamID: st.ID, Cause: cause}
		}
	}
	st.Fail(finalErr)
	c.flowCond.Broadcast()
	c.maybeFinishGoAway()
}

// closeLocal marks the request direction finished; when the response side
// already ended, the stream completes and leaves the table.
func (c *Conn) closeLocal(st *stream.Stream) {
	c.mu.Lock()
	done := st.State() == stream.StateHalfClosedRemote
	if !done {
		st.SetState(stream.StateHalfClosedLocal)
	}
	c.mu.Unlock()
	if done {
		c.table.Delete(st.ID)
		c.maybeFinishGoAway()
	}
}

// closeRemote is the response-side mirror of closeLocal.
func (c *Conn) closeRemote(st *stream.Stream) {
	c.mu.Lock()
	done := st.State() == stream.StateHalfClosedLocal
	if !done {
		st.SetState(stream.StateHalfClosedRemote)
	}
	c.mu.Unlock()
	if done {
		c.table.Delete(st.ID)
		c.maybeFinishGoAway()
	}
}

// maybeFinishGoAway closes the connection once a GOAWAY drain has no
// surviving streams left.
func (c *Conn) maybeFinishGoAway() {
	c.mu.Lock()
	finish := c.state == StateGoingAway && c.table.Len() == 0
	cause := c.goAwayErr
	c.mu.Unlock()
	if finish {
		code := frame.ErrCodeNo
		c.teardown(cause, &code, "")
	}
}

// takeSendWindow reserves up to max bytes of send credit for st, blocking
// while both the stream and connection windows are empty. It also caps the
// reservation at the peer's maximum frame size so each reservation maps to
// one DATA frame.
func (c *Conn) takeSendWindow(st *stream.Stream, max int32) (int32, error) {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	for {
		if st.State() == stream.StateClosed {
			return 0, StreamResetError{StreamID: st.ID, Code: frame.ErrCodeCancel}
		}
		c.mu.Lock()
		closed := c.state == StateClosed
		closeErr := c.closeErrLocked()
		c.mu.Unlock()
		if closed {
			return 0, closeErr
		}
		n := max
		if n > c.connSendWindow {
			n = c.connSendWindow
		}
		if sw := st.SendWindow(); n > sw {
			n = sw
		}
		if n > int32(c.peerMaxFrameSize) {
			n = int32(c.peerMaxFrameSize)
		}
		if n > 0 {
			c.connSendWindow -= n
			st.TakeSendWindow(n)
			return n, nil
		}
		c.flowCond.Wait()
	}
}

// noteConnConsumed accounts body bytes released back to the connection
// window; once half the window accumulates, a WINDOW_UPDATE replenishes the
// peer's credit. Withholding small grants is the backpressure mechanism: a
// lagging consumer stops the grants, which eventually stalls the peer.
func (c *Conn) noteConnConsumed(n int) {
	c.flowMu.Lock()
	c.connConsumed += int32(n)
	var grant int32
	if c.connConsumed >= c.opts.ConnWindow/2 {
		grant = c.connConsumed
		c.connConsumed = 0
		c.connRecvWindow += grant
	}
	c.flowMu.Unlock()
	if grant > 0 {
		c.wq.enqueue(opWindowUpdate{streamID: 0, increment: uint32(grant)})
	}
}

// takeConnRecvWindow consumes n bytes of the connection receive window. A
// violation means the peer sent beyond our grants.
func (c *Conn) takeConnRecvWindow(n int32) bool {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	if n > c.connRecvWindow {
		return false
	}
	c.connRecvWindow -= n
	return true
}
