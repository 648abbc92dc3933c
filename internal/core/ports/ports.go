// Package ports declares the external collaborators a ProxyConnection
// borrows rather than owns: the surrounding login daemon's client record,
// the TLS dialer, and the anvil connection-accounting service, plus the
// event sink, the delayed-call scheduler and the rawlog writer. They are
// expressed here, not implemented.
package ports

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// SslFlag is a bitset describing how (and whether) TLS should be used
// against the backend.
type SslFlag int

const (
	SslNone SslFlag = 0
	// SslYes upgrades to TLS immediately after a successful TCP connect.
	SslYes SslFlag = 1 << iota
	// SslStartTLS defers the TLS upgrade until the protocol driver requests it.
	SslStartTLS
	// SslAnyCert accepts a backend certificate without validating its chain.
	SslAnyCert
)

func (f SslFlag) Has(flag SslFlag) bool { return f&flag != 0 }

// Client is the subset of the surrounding login daemon's per-connection
// client record that the proxy core needs: identity, trust, and the
// accept-socket's local address for loop detection and XCLIENT.
type Client struct {
	VirtualUser       string
	ProxyUser         string
	ProxyMasterUser   string
	ProxyPassword     string
	ProxyTTL          int
	ProxyMech         string
	LocalIP           string
	LocalPort         int
	LocalName         string
	EndClientTLS      bool
	AltUsernames      map[string]string
	AuthPassdbArgs    map[string]string
	MaxReconnects     int
	MaxDisconnectWait time.Duration
	AuthVerbose       bool
	ConnGUID          string

	// ClientConn is the already-accepted connection to the real mail
	// client, loaned to the proxy for the lifetime of the session.
	ClientConn net.Conn
}

// TLSDialer performs a non-blocking-equivalent client TLS handshake over an
// already-connected TCP socket. AllowInvalidCert models ANY_CERT. There is
// no option to disable CA files: without allowInvalidCert, tlsdial.Dialer
// verifies the backend certificate against the default system roots.
type TLSDialer interface {
	Handshake(ctx context.Context, conn net.Conn, serverName string, allowInvalidCert bool) (*tls.Conn, error)
}

// Anvil is the external connection-accounting collaborator: it hands out a
// session GUID on connect and must be told on disconnect so per-user
// concurrency limits stay accurate.
type Anvil interface {
	Connect(ctx context.Context, virtualUser, destIP string, destPort int) (guid string, err error)
	Disconnect(ctx context.Context, guid string)
}

// EventSink receives the named lifecycle spans a session emits. Fields is a
// flat key/value payload matching the teacher's structured-logging style;
// callers typically forward it straight into slog.
type EventSink interface {
	ProxySessionStarted(fields map[string]any)
	ProxySessionReconnecting(fields map[string]any)
	ProxySessionFinished(fields map[string]any)
	ProxySessionFailed(fields map[string]any)
	ProxySessionRedirected(fields map[string]any)
	// DestGaugesChanged reports the current (not delta) per-destination
	// connection counters, snapshotted from the shared DestRec every time one
	// of them changes.
	DestGaugesChanged(destination string, waiting, proxying, delayedDisconnects int64)
}

// NoOpEventSink discards every event; useful in tests and as a safe default.
type NoOpEventSink struct{}

func (NoOpEventSink) ProxySessionStarted(map[string]any)                     {}
func (NoOpEventSink) ProxySessionReconnecting(map[string]any)                {}
func (NoOpEventSink) ProxySessionFinished(map[string]any)                    {}
func (NoOpEventSink) ProxySessionFailed(map[string]any)                      {}
func (NoOpEventSink) ProxySessionRedirected(map[string]any)                  {}
func (NoOpEventSink) DestGaugesChanged(string, int64, int64, int64)          {}

// DelayedCallScheduler defers fn until dueTime, used by the disconnect-smear
// algorithm so thousands of delayed frees share one heap-based loop instead
// of one OS timer apiece.
type DelayedCallScheduler interface {
	Schedule(dueTime time.Time, fn func())
}

// RawlogWriter optionally tees raw bytes crossing the proxy to disk for
// debugging, mirroring the rawlog_dir collaborator. A nil writer disables it.
type RawlogWriter interface {
	io.Writer
	Close() error
}
