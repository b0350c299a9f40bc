// Package celer provides a high-performance HTTP/2 client connection
// multiplexer for Go: one Conn owns a single TCP/TLS socket and multiplexes
// many request/response exchanges over it.
package celer

import (
	"io"
	"log"
	"net/http"
	"time"
)

// Config holds the connection configuration options.
type Config struct {
	MaxConcurrentStreams uint32        // Maximum concurrent streams opened locally
	MaxFrameSize         uint32        // Advertised maximum frame size
	InitialWindowSize    uint32        // Per-stream flow control receive window
	ConnWindowSize       uint32        // Connection-level flow control receive window
	HeaderTableSize      uint32        // Advertised HPACK dynamic table size
	InactivityTimeout    time.Duration // Default per-stream inactivity timeout (0 disables)
	TransferTimeout      time.Duration // Default per-stream total transfer timeout (0 disables)
	InitializeTimeout    time.Duration // Bound on the preface/SETTINGS exchange
	DisableCompression   bool          // Disable transparent gzip/brotli response decompression
	EnableTracing        bool          // Emit an OpenTelemetry client span per request
	Logger               *log.Logger   // Logger for connection events
	PushHandler          PushHandler   // Capability for accepting server pushes (nil refuses all)

	// Informational, when set, observes 1xx interim responses. The final
	// response still resolves the round trip as usual.
	Informational func(statusCode int, header http.Header)
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    4 << 20,  // 4 MB
		ConnWindowSize:       16 << 20, // 16 MB
		HeaderTableSize:      4096,
		InactivityTimeout:    0,
		TransferTimeout:      0,
		InitializeTimeout:    10 * time.Second,
		DisableCompression:   false,
		EnableTracing:        true,
		Logger:               newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 4 << 20
	}
	if c.InitialWindowSize > (1<<31)-1 {
		c.InitialWindowSize = (1 << 31) - 1
	}
	if c.ConnWindowSize < 65535 {
		c.ConnWindowSize = 16 << 20
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = 4096
	}
	if c.InitializeTimeout == 0 {
		c.InitializeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}
