package celer

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decorateRequest clones req with its headers and, unless the caller opted
// out or manages Accept-Encoding itself, asks for compressed responses. The
// returned flag records that the decompression is ours to undo.
func (c *Conn) decorateRequest(req *http.Request) (*http.Request, bool) {
	clone := new(http.Request)
	*clone = *req
	clone.Header = make(http.Header, len(req.Header)+1)
	for name, values := range req.Header {
		clone.Header[name] = append([]string(nil), values...)
	}
	wantComp := !c.cfg.DisableCompression &&
		clone.Header.Get("Accept-Encoding") == "" &&
		clone.Header.Get("Range") == "" &&
		clone.Method != http.MethodHead
	if wantComp {
		clone.Header.Set("Accept-Encoding", "gzip, br")
	}
	return clone, wantComp
}

// decompressResponse swaps the body for a decompressing reader when the
// server answered with an encoding we requested. The response then reads as
// plain bytes with an unknown length.
func decompressResponse(resp *http.Response) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		resp.Body = &gzipReader{body: resp.Body}
	case "br":
		resp.Body = &brotliReader{body: resp.Body, zr: brotli.NewReader(resp.Body)}
	default:
		return
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
}

// gzipReader defers gzip.NewReader to the first Read so response delivery
// never blocks on body bytes that may not have arrived yet.
type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
	zerr error
}

func (g *gzipReader) Read(p []byte) (int, error) {
	if g.zerr != nil {
		return 0, g.zerr
	}
	if g.zr == nil {
		g.zr, g.zerr = gzip.NewReader(g.body)
		if g.zerr != nil {
			return 0, g.zerr
		}
	}
	return g.zr.Read(p)
}

func (g *gzipReader) Close() error {
	return g.body.Close()
}

type brotliReader struct {
	body io.ReadCloser
	zr   *brotli.Reader
}

func (b *brotliReader) Read(p []byte) (int, error) {
	return b.zr.Read(p)
}

func (b *brotliReader) Close() error {
	return b.body.Close()
}
