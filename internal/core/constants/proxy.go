package constants

import "time"

// Protocol and buffer limits for the login proxy core.
const (
	// MaxProxyInput bounds a single line read from either side during the auth phase.
	MaxProxyInput = 4096

	// ProxyMaxOutbuf is the server-output buffer cap applied at detach time.
	ProxyMaxOutbuf = 1024

	// LoginProxyDieIdleSeconds is how long a session may sit with no I/O before the reaper frees it.
	LoginProxyDieIdleSeconds = 2 * time.Second

	// ProxyConnectRetryDelay is the delay before a reconnect attempt re-enters Connect.
	ProxyConnectRetryDelay = 1000 * time.Millisecond

	// ProxyConnectRetryMinRemaining is the minimum connect-timeout budget required to justify a retry.
	ProxyConnectRetryMinRemaining = 1100 * time.Millisecond

	// ProxyDisconnectInterval is the smear jitter bucket width.
	ProxyDisconnectInterval = 100 * time.Millisecond

	// ProxyRedirectLoopMinCount is the repeat count at which a redirect target is treated as a loop.
	ProxyRedirectLoopMinCount = 2
)

// Administrative kick/shutdown reasons, surfaced in disconnect logging.
const (
	KilledByAdminReason    = "Connection kicked by administrator"
	KilledByShutdownReason = "Server shutting down"
)
