package conn

import (
	"errors"
	"fmt"

	"github.com/albertbausili/celer/internal/h2/frame"
)

var (
	// ErrNotInitialized is returned when a stream is requested before the
	// preface and SETTINGS exchange completed.
	ErrNotInitialized = errors.New("connection not initialized")

	// ErrGoingAway is returned when the peer announced GOAWAY and the
	// connection no longer accepts new streams.
	ErrGoingAway = errors.New("connection is shutting down")

	// ErrNoCapacity is returned when the concurrent stream limit is reached.
	ErrNoCapacity = errors.New("no stream capacity available")

	// ErrStreamIDExhausted is returned once the 31-bit client id space ran
	// out; the caller must open a fresh connection.
	ErrStreamIDExhausted = errors.New("stream ids exhausted")

	// ErrClosedUnexpectedly reports the transport closing mid-conversation.
	ErrClosedUnexpectedly = errors.New("connection closed unexpectedly")

	// ErrConnClosed reports an explicit local Close.
	ErrConnClosed = errors.New("connection closed")

	// ErrSwitchingProtocols rejects 101 responses, which have no meaning in
	// a multiplexed connection.
	ErrSwitchingProtocols = errors.New("Switching Protocols (101) is not part of HTTP/2")
)

// GoAwayError fails streams the peer declined to process after announcing
// shutdown. The request never ran on the server, so retrying it on another
// connection is safe.
type GoAwayError struct {
	LastStreamID uint32
	Code         frame.ErrCode
	Debug        string
}

func (e GoAwayError) Error() string {
	if e.Debug == "" {
		return fmt.Sprintf("received GOAWAY (last stream %d, %v)", e.LastStreamID, e.Code)
	}
	return fmt.Sprintf("received GOAWAY (last stream %d, %v): %s", e.LastStreamID, e.Code, e.Debug)
}

// StreamResetError reports RST_STREAM from the peer. Unprocessed is set when
// the reset was REFUSED_STREAM before any response bytes, which means the
// request may be retried elsewhere; resets after partial processing must not
// be blindly retried.
type StreamResetError struct {
	StreamID    uint32
	Code        frame.ErrCode
	Unprocessed bool
}

func (e StreamResetError) Error() string {
	if e.Unprocessed {
		return fmt.Sprintf("stream %d refused before processing (%v)", e.StreamID, e.Code)
	}
	return fmt.Sprintf("stream %d reset by peer (%v)", e.StreamID, e.Code)
}

// TimeoutError reports a per-stream watcher expiry. Kind is "inactivity" or
// "transfer".
type TimeoutError struct {
	StreamID uint32
	Kind     string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("stream %d %s timeout", e.StreamID, e.Kind)
}

func (e TimeoutError) Timeout() bool { return true }

// CancelError resolves a caller's wait after its context ended. It is a
// distinct outcome kind, not a generic failure: the stream was reset locally
// with CANCEL, nothing is known about server-side progress.
type CancelError struct {
	StreamID uint32
	Cause    error
}

func (e CancelError) Error() string {
	return fmt.Sprintf("stream %d cancelled: %v", e.StreamID, e.Cause)
}

func (e CancelError) Unwrap() error { return e.Cause }

// IncompleteResponseError reports a response body interrupted before the
// declared or framed end. The cause carries the transport or protocol
// failure that cut it short.
type IncompleteResponseError struct {
	StreamID uint32
	Cause    error
}

func (e IncompleteResponseError) Error() string {
	return fmt.Sprintf("stream %d response did not complete: %v", e.StreamID, e.Cause)
}

func (e IncompleteResponseError) Unwrap() error { return e.Cause }

// InvalidRequestError fails a request before any frame is written.
type InvalidRequestError struct {
	Reason string
}

func (e InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}
