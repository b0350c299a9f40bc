package celer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2"
)

// GnetDialer produces Sockets backed by a shared gnet client event loop,
// for deployments that keep their transports on gnet instead of the
// net.Conn goroutine-per-socket model.
type GnetDialer struct {
	cli *gnet.Client
	ev  *gnetEvents
}

// NewGnetDialer starts the client event loop. Stop releases it.
func NewGnetDialer(opts ...gnet.Option) (*GnetDialer, error) {
	ev := &gnetEvents{}
	cli, err := gnet.NewClient(ev, opts...)
	if err != nil {
		return nil, err
	}
	if err := cli.Start(); err != nil {
		return nil, err
	}
	return &GnetDialer{cli: cli, ev: ev}, nil
}

// Dial opens a socket on the event loop. The result satisfies Socket and
// can be handed straight to NewConn.
func (d *GnetDialer) Dial(network, addr string) (Socket, error) {
	gc, err := d.cli.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return d.ev.socketFor(gc), nil
}

// Stop shuts the event loop down. Sockets dialed through this dialer stop
// delivering data.
func (d *GnetDialer) Stop() error {
	return d.cli.Stop()
}

// gnetEvents bridges loop callbacks to the blocking Socket each dialed
// connection exposes.
type gnetEvents struct {
	gnet.BuiltinEventEngine
	sockets sync.Map // map[gnet.Conn]*gnetSocket
}

// socketFor returns the socket for gc, creating it on first use. Both Dial
// and the loop callbacks go through here, so whichever runs first wins.
func (ev *gnetEvents) socketFor(gc gnet.Conn) *gnetSocket {
	if s, ok := ev.sockets.Load(gc); ok {
		return s.(*gnetSocket)
	}
	s, _ := ev.sockets.LoadOrStore(gc, newGnetSocket(gc))
	return s.(*gnetSocket)
}

func (ev *gnetEvents) OnTraffic(gc gnet.Conn) gnet.Action {
	buf, err := gc.Next(-1)
	if err != nil {
		return gnet.Close
	}
	// The loop owns buf; hand the socket its own copy.
	data := make([]byte, len(buf))
	copy(data, buf)
	ev.socketFor(gc).push(data)
	return gnet.None
}

func (ev *gnetEvents) OnClose(gc gnet.Conn, err error) gnet.Action {
	if s, ok := ev.sockets.LoadAndDelete(gc); ok {
		s.(*gnetSocket).closeWith(err)
	}
	return gnet.None
}

// gnetSocket adapts one gnet connection to the blocking Socket contract:
// reads drain a buffer fed by OnTraffic, writes go through AsyncWrite.
type gnetSocket struct {
	gc gnet.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	rerr   error
	closed bool
}

func newGnetSocket(gc gnet.Conn) *gnetSocket {
	s := &gnetSocket{gc: gc}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *gnetSocket) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rerr != nil {
		return
	}
	s.buf.Write(data)
	s.cond.Broadcast()
}

func (s *gnetSocket) closeWith(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rerr == nil {
		s.rerr = err
	}
	s.cond.Broadcast()
}

func (s *gnetSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.rerr == nil {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, s.rerr
}

func (s *gnetSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, errors.New("gnet socket: write on closed connection")
	}
	// AsyncWrite takes ownership; the frame writer reuses its buffers.
	data := make([]byte, len(p))
	copy(data, p)
	if err := s.gc.AsyncWrite(data, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *gnetSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.closeWith(net.ErrClosed)
	return s.gc.Close()
}

func (s *gnetSocket) LocalAddr() net.Addr  { return s.gc.LocalAddr() }
func (s *gnetSocket) RemoteAddr() net.Addr { return s.gc.RemoteAddr() }
