// Package tlsdial implements ports.TLSDialer against the standard library's
// crypto/tls, the concrete collaborator a ProxyConnection borrows to
// upgrade its backend socket either immediately after connect (SSL=yes) or
// on an explicit STARTTLS/STLS request from the protocol driver.
package tlsdial

import (
	"context"
	"crypto/tls"
	"net"
)

// Dialer performs a client-side TLS handshake over an already-connected
// socket. It carries no state of its own; every call is independent.
type Dialer struct{}

// New returns a stateless Dialer.
func New() *Dialer { return &Dialer{} }

// Handshake wraps conn in a tls.Conn and blocks until the handshake
// completes or ctx is cancelled. allowInvalidCert mirrors SslAnyCert: the
// daemon accepts whatever certificate the backend presents without
// validating its chain, matching a chrooted proxy with no trust store.
func (Dialer) Handshake(ctx context.Context, conn net.Conn, serverName string, allowInvalidCert bool) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: allowInvalidCert,
		MinVersion:         tls.VersionTLS12,
	}

	tlsConn := tls.Client(conn, cfg)

	done := make(chan error, 1)
	go func() { done <- tlsConn.HandshakeContext(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return tlsConn, nil
	case <-ctx.Done():
		_ = tlsConn.Close()
		return nil, ctx.Err()
	}
}
