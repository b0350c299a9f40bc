package stream

import (
	"context"
	"net/http"
)

// DeliverResponse hands the response draft to the waiting caller. Only the
// first delivery wins; later calls are dropped (a stream resolves at most
// once).
func (s *Stream) DeliverResponse(resp *http.Response) {
	s.mu.Lock()
	if s.delivered {
		s.mu.Unlock()
		return
	}
	s.delivered = true
	s.sawResponse = true
	s.mu.Unlock()
	s.resultCh <- result{Resp: resp}
}

// MarkResponseSeen records that final response headers arrived without
// resolving the caller's wait. Used for pushed streams whose response is
// claimed later through the promise.
func (s *Stream) MarkResponseSeen() {
	s.mu.Lock()
	s.sawResponse = true
	s.mu.Unlock()
}

// Fail resolves the caller's wait with err if the response headers have not
// been delivered yet, and closes the body with err otherwise, so a waiter
// always observes the outcome exactly once, never a silent hang.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if !s.delivered {
		s.delivered = true
		s.mu.Unlock()
		s.resultCh <- result{Err: err}
		s.body.CloseWithError(err)
		return
	}
	s.mu.Unlock()
	s.body.CloseWithError(err)
}

// AwaitResponse blocks until the stream resolves or ctx ends. Cancellation
// is reported to the caller by the stream failing, so the channel receive is
// the only suspend point.
func (s *Stream) AwaitResponse(ctx context.Context) (*http.Response, error) {
	select {
	case r := <-s.resultCh:
		return r.Resp, r.Err
	case <-ctx.Done():
		// The canceller also fails the stream; prefer its typed error if it
		// already landed.
		select {
		case r := <-s.resultCh:
			return r.Resp, r.Err
		default:
			return nil, ctx.Err()
		}
	}
}

// Body returns the stream's response body queue.
func (s *Stream) Body() *Body { return s.body }

// SetTrailer fulfils the trailers slot. The slot resolves at most once; the
// empty (non-nil) header set stands in when the body ended without a
// trailing HEADERS frame.
func (s *Stream) SetTrailer(t http.Header) {
	s.mu.Lock()
	if s.trailer == nil {
		s.trailer = t
	}
	s.mu.Unlock()
}

// Trailer returns the trailers received for the stream, or nil while the
// body is still in flight.
func (s *Stream) Trailer() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer
}

// Done returns a channel closed when the stream is removed from the table.
func (s *Stream) Done() <-chan struct{} { return s.done }

// CloseDone signals stream removal. The table calls this exactly once.
func (s *Stream) CloseDone() {
	close(s.done)
}
