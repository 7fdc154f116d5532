// Package rapide provides a high-performance HTTP/3 connection engine for Go.
package rapide

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the configuration options for HTTP/3 servers and clients.
type Config struct {
	Addr                  string        // Server address to bind to
	TLSConfig             *tls.Config   // TLS configuration (required for QUIC)
	MaxIdleTimeout        time.Duration // Maximum idle time before connection close
	QPACKMaxTableCapacity uint64        // QPACK dynamic table capacity advertised to the peer
	QPACKBlockedStreams   uint64        // Maximum streams allowed to block on QPACK state
	MaxPushID             uint64        // Push ceiling a client advertises (0 disables push)
	Logger                *log.Logger   // Logger for connection events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":443",
		MaxIdleTimeout:        60 * time.Second,
		QPACKMaxTableCapacity: 0, // Static-table QPACK only
		QPACKBlockedStreams:   0,
		MaxPushID:             0, // Push disabled
		Logger:                newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":443"
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.TLSConfig == nil {
		return fmt.Errorf("rapide: TLSConfig is required")
	}
	return nil
}

// tlsConfigForH3 clones the TLS configuration and pins the h3 ALPN token.
func tlsConfigForH3(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = []string{"h3"}
	return cfg
}
