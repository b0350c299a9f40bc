package celer

import "github.com/albertbausili/celer/internal/h2/conn"

// Sentinel errors surfaced by Conn operations.
var (
	// ErrNotInitialized means a stream was requested before Initialize
	// completed.
	ErrNotInitialized = conn.ErrNotInitialized
	// ErrGoingAway means the server sent GOAWAY and the connection no
	// longer accepts new streams.
	ErrGoingAway = conn.ErrGoingAway
	// ErrNoCapacity means the concurrent stream limit is reached.
	ErrNoCapacity = conn.ErrNoCapacity
	// ErrStreamIDExhausted means the 31-bit stream id space ran out.
	ErrStreamIDExhausted = conn.ErrStreamIDExhausted
	// ErrClosedUnexpectedly means the transport dropped without GOAWAY.
	ErrClosedUnexpectedly = conn.ErrClosedUnexpectedly
	// ErrConnClosed means the connection was closed locally.
	ErrConnClosed = conn.ErrConnClosed
	// ErrSwitchingProtocols rejects a 101 response, which HTTP/2 forbids.
	ErrSwitchingProtocols = conn.ErrSwitchingProtocols
)

// Typed errors carrying wire-level detail. Use errors.As to inspect them.
type (
	// GoAwayError is the outcome of streams killed by a peer GOAWAY.
	GoAwayError = conn.GoAwayError
	// StreamResetError is the outcome of a peer RST_STREAM. Unprocessed
	// marks resets that arrived before any response bytes, which are safe
	// to retry on another connection.
	StreamResetError = conn.StreamResetError
	// TimeoutError is the outcome of an inactivity or transfer timeout.
	TimeoutError = conn.TimeoutError
	// CancelError is the outcome of caller-side cancellation.
	CancelError = conn.CancelError
	// IncompleteResponseError marks a response cut off mid-body.
	IncompleteResponseError = conn.IncompleteResponseError
	// InvalidRequestError rejects a request before anything hits the wire.
	InvalidRequestError = conn.InvalidRequestError
)
