// Package stream holds the per-stream state of an HTTP/2 client connection:
// the stream entity with its state machine, flow-control windows and
// liveness timers, the bounded response body queue, and the stream table
// owned by the connection processor.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/albertbausili/celer/internal/h2/frame"
)

// State represents the state of an HTTP/2 stream per RFC 7540 §5.1, from the
// client's point of view.
type State int

const (
	StateIdle State = iota
	StateReservedRemote // server push promised, not yet accepted
	StateOpen
	StateHalfClosedLocal  // request fully sent
	StateHalfClosedRemote // response fully received
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateReservedRemote:   "reserved (remote)",
	StateOpen:             "open",
	StateHalfClosedLocal:  "half-closed (local)",
	StateHalfClosedRemote: "half-closed (remote)",
	StateClosed:           "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid state"
}

// result carries the outcome of the header exchange to the waiting caller:
// either the response draft or the error that terminated the stream first.
type result struct {
	Resp *http.Response
	Err  error
}

// Stream is one request/response exchange multiplexed over a connection.
// The connection processor owns all protocol-facing fields; the caller only
// touches the delivery side (AwaitResponse, the body reader).
type Stream struct {
	ID     uint32
	Req    *http.Request
	IsPush bool

	mu          sync.Mutex
	state       State
	sentReset   bool
	gotReset    bool
	sawResponse bool // final (non-1xx) response headers delivered
	recvdBytes  int64
	declaredLen int64 // declared content length, -1 when unknown
	sendWindow  int32 // peer's credit for DATA we send
	recvWindow  int32 // credit we granted the peer
	replenish   int64 // bytes consumed by the caller, not yet re-granted
	priority    frame.Priority

	inactivityTimer    *time.Timer
	transferTimer      *time.Timer
	inactivityInterval time.Duration
	timersArmed        bool

	delivered bool
	resultCh  chan result
	body      *Body
	trailer   http.Header
	done      chan struct{}
}

// New creates a stream for req with the given initial flow-control windows.
// The id stays zero until the connection writer assigns one at HEADERS-write
// time, so ids increase in wire order.
func New(req *http.Request, sendWindow, recvWindow int32) *Stream {
	st := &Stream{
		Req:         req,
		state:       StateIdle,
		declaredLen: -1,
		sendWindow:  sendWindow,
		recvWindow:  recvWindow,
		resultCh:    make(chan result, 1),
		done:        make(chan struct{}),
		priority:    frame.Priority{Weight: 15}, // default weight 16 per §5.3.5, wire value is weight-1
	}
	st.body = newBody()
	return st
}

// State returns the current stream state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the stream. Transitions out of StateClosed are
// invalid by construction: a closed stream id is never revisited.
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

// MarkSentReset records that we wrote RST_STREAM for this stream.
func (s *Stream) MarkSentReset() {
	s.mu.Lock()
	s.sentReset = true
	s.mu.Unlock()
}

// TryMarkSentReset claims the right to reset this stream locally. It
// reports false when a reset is already underway or the stream closed, so
// racing cancellers produce at most one RST_STREAM.
func (s *Stream) TryMarkSentReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentReset || s.state == StateClosed {
		return false
	}
	s.sentReset = true
	return true
}

// MarkGotReset records that the peer reset this stream.
func (s *Stream) MarkGotReset() {
	s.mu.Lock()
	s.gotReset = true
	s.mu.Unlock()
}

// WasReset reports whether RST_STREAM was sent or received.
func (s *Stream) WasReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentReset || s.gotReset
}

// SetPriority records the declared priority weight and dependency.
func (s *Stream) SetPriority(p frame.Priority) {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
}

// Priority returns the stream's priority weight and dependency.
func (s *Stream) Priority() frame.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// SetDeclaredLen records the content length announced by response headers.
func (s *Stream) SetDeclaredLen(n int64) {
	s.mu.Lock()
	s.declaredLen = n
	s.mu.Unlock()
}

// NoteRecvData accounts n received body bytes against the declared content
// length. It reports whether the sender exceeded its declaration.
func (s *Stream) NoteRecvData(n int) (overrun bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvdBytes += int64(n)
	return s.declaredLen != -1 && s.recvdBytes > s.declaredLen
}

// EndedShort reports whether END_STREAM arrived before the declared content
// length was satisfied.
func (s *Stream) EndedShort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declaredLen != -1 && s.recvdBytes != s.declaredLen
}

// RecvdBytes returns the number of body bytes received so far.
func (s *Stream) RecvdBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvdBytes
}

// ResponseSeen reports whether final response headers arrived.
func (s *Stream) ResponseSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawResponse
}

// SawActivity reports whether any response bytes (headers or data) were
// observed. Used to distinguish "refused before processing" resets, which
// are safe to retry elsewhere, from resets after partial processing.
func (s *Stream) SawActivity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawResponse || s.recvdBytes > 0
}

// TakeSendWindow consumes up to max bytes of send credit and returns the
// amount granted, possibly zero.
func (s *Stream) TakeSendWindow(max int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > s.sendWindow {
		max = s.sendWindow
	}
	if max < 0 {
		max = 0
	}
	s.sendWindow -= max
	return max
}

// AddSendWindow credits the send window. It reports false when the credit
// would overflow the 31-bit window, a FLOW_CONTROL_ERROR for this stream.
// The delta may be negative: a reduced SETTINGS_INITIAL_WINDOW_SIZE
// retroactively shrinks the window, possibly below zero.
func (s *Stream) AddSendWindow(delta int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delta > 0 && s.sendWindow > frame.MaxWindowSize-delta {
		return false
	}
	s.sendWindow += delta
	return true
}

// SetSendWindow replaces the send credit wholesale. The connection writer
// calls it when the stream is registered, so the window reflects the peer's
// initial window in force at that moment rather than at reservation time.
func (s *Stream) SetSendWindow(w int32) {
	s.mu.Lock()
	s.sendWindow = w
	s.mu.Unlock()
}

// SendWindow returns the remaining send credit.
func (s *Stream) SendWindow() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendWindow
}

// TakeRecvWindow consumes n bytes of the receive window. It reports false
// when the peer sent more than we granted, which our own bookkeeping must
// never allow: a violation here is the peer's framing error.
func (s *Stream) TakeRecvWindow(n int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.recvWindow {
		return false
	}
	s.recvWindow -= n
	return true
}

// NoteConsumed accounts n bytes handed to the caller and reports how much
// receive window to re-grant. Credit is withheld until consumption passes
// the threshold so a lagging consumer propagates backpressure to the peer
// instead of triggering a WINDOW_UPDATE per read.
func (s *Stream) NoteConsumed(n int, threshold int32) (grant int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replenish += int64(n)
	if s.replenish < int64(threshold) {
		return 0
	}
	grant = int32(s.replenish)
	s.replenish = 0
	s.recvWindow += grant
	return grant
}
