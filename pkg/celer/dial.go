package celer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// alpnH2 is the ALPN protocol id for HTTP/2 over TLS (RFC 7540 §3.3).
const alpnH2 = "h2"

// Dial connects to addr over TLS, negotiates HTTP/2 via ALPN and returns an
// initialized connection. tlsCfg may be nil; it is cloned before use and the
// h2 protocol is always offered.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, cfg Config) (*Conn, error) {
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if !containsString(tlsCfg.NextProtos, alpnH2) {
		tlsCfg.NextProtos = append([]string{alpnH2}, tlsCfg.NextProtos...)
	}
	if tlsCfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsCfg.ServerName = host
	}

	d := &tls.Dialer{Config: tlsCfg}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tc := nc.(*tls.Conn)
	if proto := tc.ConnectionState().NegotiatedProtocol; proto != alpnH2 {
		tc.Close()
		return nil, fmt.Errorf("dial %s: server negotiated %q, want %q", addr, proto, alpnH2)
	}

	c, err := NewConn(tc, cfg)
	if err != nil {
		tc.Close()
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// TLSConnectionState returns the TLS state of the underlying socket, when
// the connection runs over TLS.
func (c *Conn) TLSConnectionState() (tls.ConnectionState, bool) {
	type stater interface {
		ConnectionState() tls.ConnectionState
	}
	if s, ok := c.pc.Socket().(stater); ok {
		return s.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
