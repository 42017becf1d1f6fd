// Package httpc provides the shared network settings for outbound
// connections. Use these instead of zero-value dialers so every connection
// has a connect timeout, keep-alives and a TLS floor.
package httpc

import (
	"crypto/tls"
	"net"
	"time"
)

// Default timeouts for outbound connections.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// NewDialer creates a net.Dialer with the default connect timeout and
// keep-alive. A positive timeout overrides the connect timeout.
func NewDialer(timeout time.Duration) *net.Dialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: DefaultKeepAlive,
	}
}

// TLSConfig returns the client TLS settings for wss connections.
func TLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
