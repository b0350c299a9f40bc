package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/albertbausili/celer/internal/h2/frame"
	"github.com/albertbausili/celer/internal/h2/stream"
)

// PushHandler is the capability for accepting server pushes. Supplying one
// in Options opts the connection in; without it every promise is refused.
// The handler runs on its own goroutine per promise and must call Resolve or
// Cancel, otherwise the pushed stream lingers until the connection closes.
type PushHandler interface {
	HandlePush(p *PushPromise)
}

// PushHandlerFunc adapts a function to PushHandler.
type PushHandlerFunc func(p *PushPromise)

func (f PushHandlerFunc) HandlePush(p *PushPromise) { f(p) }

// refuseAllPushes is the default capability: acknowledge the promise (its
// header block already updated the HPACK table) and refuse the stream.
type refuseAllPushes struct{}

func (refuseAllPushes) HandlePush(p *PushPromise) { p.refuse() }

// PushPromise is one server-initiated exchange: the synthetic request the
// server promises to answer, tied to an even stream id.
type PushPromise struct {
	// Request is the request the server claims this push answers.
	Request *http.Request
	// AssociatedStreamID is the client stream the promise arrived on.
	AssociatedStreamID uint32

	st *stream.Stream
	c  *Conn
}

// StreamID returns the promised (even) stream id.
func (p *PushPromise) StreamID() uint32 { return p.st.ID }

// Resolve accepts the push and waits for the pushed response.
func (p *PushPromise) Resolve(ctx context.Context) (*http.Response, error) {
	resp, err := p.st.AwaitResponse(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			cancelErr := CancelError{StreamID: p.st.ID, Cause: err}
			p.c.resetFromCaller(p.st, frame.ErrCodeCancel, cancelErr)
			return nil, cancelErr
		}
		return nil, err
	}
	resp.Request = p.Request
	resp.Body = &bodyWithTrailer{st: p.st, resp: resp}
	return resp, nil
}

// Cancel declines the push after acceptance was considered.
func (p *PushPromise) Cancel() {
	p.c.resetFromCaller(p.st, frame.ErrCodeCancel, CancelError{StreamID: p.st.ID, Cause: errors.New("push declined")})
}

func (p *PushPromise) refuse() {
	p.c.resetFromCaller(p.st, frame.ErrCodeRefusedStream, StreamResetError{StreamID: p.st.ID, Code: frame.ErrCodeRefusedStream, Unprocessed: true})
}

// processPushPromise handles a fully decoded PUSH_PROMISE block. The decode
// already happened (the dynamic table must advance even for pushes about to
// be refused); what remains is id validation and handing the promise to the
// capability.
func (c *Conn) processPushPromise(assocID, promisedID uint32, fields [][2]string) error {
	if err := c.table.ValidatePromise(promisedID); err != nil {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: err.Error()}
	}
	assoc := c.table.Get(assocID)
	if assocID%2 == 0 || assoc == nil {
		return frame.ConnectionError{Code: frame.ErrCodeProtocol, Reason: fmt.Sprintf("PUSH_PROMISE on invalid stream %d", assocID)}
	}
	req, err := synthesizeRequest(fields)
	if err != nil {
		// The id space advanced; only the promised stream is poisoned.
		c.wq.enqueue(opRST{streamID: promisedID, code: frame.ErrCodeProtocol})
		return nil
	}

	c.flowMu.Lock()
	peerWindow := c.peerInitialWindow
	c.flowMu.Unlock()
	st := stream.New(req, peerWindow, c.opts.StreamWindow)
	st.ID = promisedID
	st.IsPush = true
	st.SetState(stream.StateReservedRemote)
	c.bindStream(st)
	c.table.Register(st)

	p := &PushPromise{Request: req, AssociatedStreamID: assocID, st: st, c: c}
	go c.opts.PushHandler.HandlePush(p)
	return nil
}

// synthesizeRequest builds the promised request from the PUSH_PROMISE field
// list: request pseudo-headers first, then regular fields.
func synthesizeRequest(fields [][2]string) (*http.Request, error) {
	var method, scheme, authority, path string
	hdr := http.Header{}
	sawRegular := false
	for _, f := range fields {
		name, value := f[0], f[1]
		if strings.HasPrefix(name, ":") {
			if sawRegular {
				return nil, errors.New("pseudo-header after regular header")
			}
			switch name {
			case ":method":
				method = value
			case ":scheme":
				scheme = value
			case ":authority":
				authority = value
			case ":path":
				path = value
			default:
				return nil, fmt.Errorf("invalid request pseudo-header %q", name)
			}
			continue
		}
		sawRegular = true
		hdr.Add(name, value)
	}
	if method == "" || scheme == "" || authority == "" || path == "" {
		return nil, errors.New("promise missing required pseudo-headers")
	}
	u, err := url.Parse(scheme + "://" + authority + path)
	if err != nil {
		return nil, fmt.Errorf("promise path: %w", err)
	}
	return &http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/2.0",
		ProtoMajor: 2,
		Header:     hdr,
		Host:       authority,
	}, nil
}
