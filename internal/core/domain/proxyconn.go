package domain

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thushan/loginproxy/internal/core/constants"
	"github.com/thushan/loginproxy/internal/core/ports"
)

// Destination identifies a backend the proxy is (or will be) connected to.
type Destination struct {
	Host string
	IP   string
	Port int
}

// String renders "ip:port", or "host[ip]:port" when host and ip differ,
// matching login_proxy_get_hostport's display rule.
func (d Destination) String() string {
	if d.Host == "" || d.Host == d.IP {
		return fmt.Sprintf("%s:%d", d.IP, d.Port)
	}
	return fmt.Sprintf("%s[%s]:%d", d.Host, d.IP, d.Port)
}

// RedirectHop is one entry in a session's redirect path: a destination it
// has been bounced to, and how many times it has bounced there.
type RedirectHop struct {
	IP    string
	Port  int
	Count int
}

// Callbacks bundles the hooks a ProxyConnection reports to its owner
// through. ProxyConnection calls OnFailure and OnDisconnecting; it never
// calls OnRedirect or OnSideChannelInput.
type Callbacks struct {
	// OnFailure reports a terminal or potentially-retryable error.
	OnFailure func(*ProxyFailureError)
	// OnRedirect is not called by ProxyConnection; referrals are handled by
	// RedirectFinish.
	OnRedirect func(ip string, port int)
	// OnDisconnecting reports that a detached session has entered the
	// delayed-disconnect smear, so the Manager can move it out of the
	// detached registry and into the disconnecting one for shutdown drain.
	OnDisconnecting func(*ProxyConnection)
	// OnSideChannelInput is presently unused in production but kept so the
	// callback surface matches the upstream multiplexing capability.
	OnSideChannelInput func([]byte)
}

// Timeouts bundles the per-session timing knobs from the configuration
// inputs table.
type Timeouts struct {
	Connect                time.Duration
	NotifyRefresh          time.Duration
	HostImmediateFailureAfter time.Duration
	MaxDisconnectDelay     time.Duration
}

// ProxyConnectionConfig are the construction-time parameters for a session.
type ProxyConnectionConfig struct {
	Client        *ports.Client
	Destination   Destination
	SourceIP      string
	SslFlags      ports.SslFlag
	Timeouts      Timeouts
	MaxReconnects int
	Callbacks     Callbacks
	Dialer        *net.Dialer
	TLS           ports.TLSDialer
	Anvil         ports.Anvil
	Events        ports.EventSink
	Registry      *DestRegistry
	Smear         ports.DelayedCallScheduler
	Clock         func() time.Time
}

// ProxyConnection is the per-session state machine: it owns the server-side
// socket, the byte streams, the optional TLS object, and drives connect,
// reconnect, redirect, detach and teardown against the shared DestRec.
type ProxyConnection struct {
	mu sync.Mutex

	client      *ports.Client
	destination Destination
	sourceIP    string
	sslFlags    ports.SslFlag
	timeouts    Timeouts
	maxReconnects int
	callbacks   Callbacks
	dialer      *net.Dialer
	tlsDialer   ports.TLSDialer
	anvil       ports.Anvil
	events      ports.EventSink
	registry    *DestRegistry
	smear       ports.DelayedCallScheduler
	now         func() time.Time

	dest *DestRec

	state SessionState

	serverConn net.Conn

	createdAt      time.Time
	connectStarted time.Time
	reconnectCount int
	redirectPath   []RedirectHop
	proxyTTL       int

	connected          bool
	detached           bool
	destroying         bool
	delayedDisconnect  bool
	disableReconnect   bool
	numWaitingCounted  bool
	anvilConnectSent   bool

	anvilGUID string

	lastReadClient  time.Time
	lastReadServer  time.Time
	lastWriteClient time.Time
	lastWriteServer time.Time

	connectTimer  *time.Timer
	notifyTimer   *time.Timer
	disconnectTimer *time.Timer

	// driverStateFn reports the ProtocolDriver's own state (banner, starttls,
	// login1, ...) for the "Login timed out in state=..." failure message.
	// ProxyConnection lives in core/domain and cannot import the protocol
	// adapters, so the session glue layer supplies this closure once per
	// connect attempt via SetDriverStateProvider.
	driverStateFn func() string

	pump *IoStreamProxy
}

// NewProxyConnection constructs a session in the New state and does not yet
// attempt a connection; call Connect to begin.
func NewProxyConnection(cfg ProxyConnectionConfig) *ProxyConnection {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	events := cfg.Events
	if events == nil {
		events = ports.NoOpEventSink{}
	}

	ttl := 0
	if cfg.Client != nil {
		ttl = cfg.Client.ProxyTTL
	}

	return &ProxyConnection{
		client:        cfg.Client,
		destination:   cfg.Destination,
		sourceIP:      cfg.SourceIP,
		sslFlags:      cfg.SslFlags,
		timeouts:      cfg.Timeouts,
		maxReconnects: cfg.MaxReconnects,
		callbacks:     cfg.Callbacks,
		dialer:        dialer,
		tlsDialer:     cfg.TLS,
		anvil:         cfg.Anvil,
		events:        events,
		registry:      cfg.Registry,
		smear:         cfg.Smear,
		now:           now,
		state:         SessionStateNew,
		createdAt:     now(),
		proxyTTL:      ttl,
	}
}

func (p *ProxyConnection) State() SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ProxyConnection) Destination() Destination {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destination
}

func (p *ProxyConnection) ReconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectCount
}

// ServerConn returns the current backend socket, which changes after a
// StartTLS upgrade. A protocol driver's transport must re-fetch it rather
// than caching the value across a STARTTLS/STLS boundary.
func (p *ProxyConnection) ServerConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverConn
}

// ClientConn returns the already-accepted socket to the real mail client.
func (p *ProxyConnection) ClientConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	return p.client.ClientConn
}

// Fail reports a protocol-level failure surfaced by the ProtocolDriver,
// e.g. a malformed banner or an authentication rejection the backend
// replied with. It funnels into the same fail() path as a connect or TLS
// error, so FreeFull's destroying guard makes a second call harmless.
func (p *ProxyConnection) Fail(t FailureType, reason string) {
	p.fail(NewProxyFailureError(t, p.Destination().String(), reason, nil))
}

// RedirectPath renders the comma-joined ip:port chain a session has bounced
// through, for diagnostics, mirroring login_proxy_get_redirect_path.
func (p *ProxyConnection) RedirectPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.redirectPath) == 0 {
		return ""
	}
	out := ""
	for i, hop := range p.redirectPath {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s:%d", hop.IP, hop.Port)
	}
	return out
}

// SetDriverStateProvider is called by the session glue layer once per
// connect attempt, right after it constructs a fresh ProtocolDriver, so the
// connect/login watchdog can name the driver's current step if it fires
// after the connection is established.
func (p *ProxyConnection) SetDriverStateProvider(f func() string) {
	p.mu.Lock()
	p.driverStateFn = f
	p.mu.Unlock()
}

// reportDestGauges snapshots dest's current connection counters into the
// event sink. Safe to call without p.mu: it only reads dest's own atomics
// and p.events, which is never reassigned after construction.
func (p *ProxyConnection) reportDestGauges(dest *DestRec) {
	if dest == nil {
		return
	}
	p.events.DestGaugesChanged(dest.String(), dest.NumWaitingConnections(), dest.NumProxyingConnections(), dest.NumDelayedClientDisconnects())
}

func (p *ProxyConnection) transition(target SessionState) error {
	if !p.state.CanTransitionTo(target) {
		return fmt.Errorf("proxy connection: invalid transition %s -> %s", p.state, target)
	}
	p.state = target
	return nil
}

// Connect runs the pre-checks and, if they pass, dials the destination.
// It is re-entered by the reconnect timer and by redirect handling.
func (p *ProxyConnection) Connect(ctx context.Context) {
	p.mu.Lock()

	if p.dest == nil && p.registry != nil {
		p.dest = p.registry.GetOrCreate(p.destination.IP, p.destination.Port)
	}
	dest := p.dest

	if err := p.precheckLocked(); err != nil {
		p.mu.Unlock()
		p.fail(err)
		return
	}

	if dest != nil {
		dest.IncWaiting()
	}
	p.numWaitingCounted = false
	p.connectStarted = p.now()

	if err := p.transition(SessionStateConnecting); err != nil {
		p.mu.Unlock()
		return
	}

	timeout := p.timeouts.Connect
	destination := p.destination
	sourceIP := p.sourceIP
	dialer := p.dialer

	// Arm the connect/login watchdog for the full budget. It is NOT rearmed
	// when the dial succeeds: it keeps running through TLS and auth, matching
	// proxy->to in the original, and is only stopped by Detach (success) or
	// disconnect (failure, retry, redirect - each of which re-arms a fresh
	// one via scheduleReconnect or a re-entered Connect).
	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	if timeout > 0 {
		p.connectTimer = time.AfterFunc(timeout, p.onConnectTimeout)
	}
	p.mu.Unlock()

	p.reportDestGauges(dest)

	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	localDialer := *dialer
	if sourceIP != "" {
		localDialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(sourceIP)}
	}

	addr := net.JoinHostPort(destination.IP, fmt.Sprintf("%d", destination.Port))
	conn, err := localDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		p.connectFailed(err)
		return
	}
	p.connectReady(conn)
}

// precheckLocked implements the ordered pre-connect validation in §4.C.
// Caller holds p.mu.
func (p *ProxyConnection) precheckLocked() error {
	if p.client != nil && p.client.LocalName != "" {
		if !isValidDNSName(p.client.LocalName) {
			return NewProxyFailureError(FailureInternal, p.destination.String(), "local_name is not a valid DNS name", nil)
		}
	}

	if p.client != nil && p.client.ProxyTTL <= 1 {
		return NewProxyFailureError(FailureRemoteConfig, p.destination.String(), "TTL reached zero", nil)
	}

	if p.dest == nil {
		return nil
	}

	if p.dest.LastSuccess().IsZero() {
		p.dest.SetLastSuccess(p.now().Add(-time.Second))
	}

	lastFailure := p.dest.LastFailure()
	lastSuccess := p.dest.LastSuccess()
	if !lastFailure.IsZero() && lastFailure.After(lastSuccess) {
		downSecs := lastFailure.Sub(lastSuccess).Seconds()
		threshold := p.timeouts.HostImmediateFailureAfter
		if threshold > 0 && time.Duration(downSecs*float64(time.Second)) > threshold && p.dest.NumWaitingConnections() > 1 {
			p.disableReconnect = true
			return NewProxyFailureError(FailureConnect, p.destination.String(),
				fmt.Sprintf("Host has been down for %d secs", int(downSecs)), nil)
		}
	}

	return nil
}

func isValidDNSName(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return false
		}
	}
	return true
}

// connectReady handles the writable-readiness equivalent: the dial
// succeeded, so mark connected and proceed to TLS or the auth phase.
func (p *ProxyConnection) connectReady(conn net.Conn) {
	p.mu.Lock()

	p.serverConn = conn
	p.connected = true
	if !p.numWaitingCounted {
		p.numWaitingCounted = true
		if p.dest != nil {
			p.dest.DecWaiting()
		}
	}
	if p.dest != nil {
		p.dest.IncProxying()
		p.dest.SetLastSuccess(p.now())
		p.dest.ResetDisconnectCounters()
	}

	localAddr, localPort := splitHostPort(conn.LocalAddr())
	if p.client != nil {
		p.client.LocalIP = localAddr
		p.client.LocalPort = localPort
	}

	needsImmediateTLS := p.sslFlags.Has(ports.SslYes) && !p.sslFlags.Has(ports.SslStartTLS)
	dest := p.dest

	if err := p.transition(SessionStateAuthenticating); err != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.reportDestGauges(dest)

	p.events.ProxySessionStarted(map[string]any{
		"dest_ip":   p.destination.IP,
		"dest_port": p.destination.Port,
		"dest_host": p.destination.Host,
	})

	if needsImmediateTLS {
		p.StartTLS(context.Background())
	}
}

func splitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// StartTLS performs the handshake either immediately after connect or on an
// explicit STARTTLS request from the protocol driver.
func (p *ProxyConnection) StartTLS(ctx context.Context) {
	p.mu.Lock()
	conn := p.serverConn
	tlsDialer := p.tlsDialer
	allowInvalid := p.sslFlags.Has(ports.SslAnyCert)
	serverName := p.destination.Host
	if err := p.transition(SessionStateTLSHandshake); err != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if tlsDialer == nil {
		p.fail(NewProxyFailureError(FailureInternal, p.destination.String(), "no TLS dialer configured", nil))
		return
	}

	tlsConn, err := tlsDialer.Handshake(ctx, conn, serverName, allowInvalid)
	if err != nil {
		p.fail(NewProxyFailureError(FailureInternal, p.destination.String(), "TLS handshake failed", err))
		return
	}

	p.mu.Lock()
	p.serverConn = tlsConn
	_ = p.transition(SessionStateAuthenticating)
	p.mu.Unlock()
}

// connectFailed records the failure and decides whether to reconnect.
func (p *ProxyConnection) connectFailed(dialErr error) {
	p.mu.Lock()
	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	now := p.now()
	elapsed := now.Sub(p.connectStarted)

	if p.dest != nil {
		// Only record failure if a concurrent success on this DestRec
		// hasn't already superseded it.
		if p.dest.LastSuccess().Before(p.createdAt) {
			p.dest.SetLastFailure(now)
		}
		if !p.numWaitingCounted {
			p.numWaitingCounted = true
			p.dest.DecWaiting()
		}
	}

	reason := fmt.Sprintf("connect(%s, %d) failed: %v (after %v, reconnects=%d%s)",
		p.destination.IP, p.destination.Port, dialErr, elapsed, p.reconnectCount, p.localClauseLocked())

	shouldRetry := p.shouldReconnectLocked(elapsed)
	dest := p.dest
	p.mu.Unlock()

	p.reportDestGauges(dest)

	if shouldRetry {
		p.scheduleReconnect()
		return
	}

	p.fail(NewProxyFailureError(FailureConnect, p.destination.String(), reason, dialErr))
}

// onConnectTimeout fires when the connect/login watchdog expires. If the
// session never reached connectReady it is a dial timeout already handled by
// the dial's own context deadline (connectFailed runs instead); once
// connected, this is the only path that reports a stuck TLS/auth phase.
func (p *ProxyConnection) onConnectTimeout() {
	p.mu.Lock()
	if p.destroying || !p.connected {
		p.mu.Unlock()
		return
	}
	now := p.now()
	elapsed := now.Sub(p.connectStarted)
	reconnects := p.reconnectCount
	dest := p.destination.String()
	localClause := p.localClauseLocked()
	stateFn := p.driverStateFn
	p.mu.Unlock()

	driverState := "unknown"
	if stateFn != nil {
		if s := stateFn(); s != "" {
			driverState = s
		}
	}

	reason := fmt.Sprintf("Login timed out in state=%s (after %v, reconnects=%d%s)",
		driverState, elapsed, reconnects, localClause)

	p.fail(NewProxyFailureError(FailureConnect, dest, reason, nil))
}

// localClauseLocked renders the optional ", local=ip:port" suffix from
// whatever local address is known yet: the configured source IP before a
// socket exists, or the socket's own local address once connected.
// Caller holds p.mu.
func (p *ProxyConnection) localClauseLocked() string {
	if p.client != nil && p.client.LocalIP != "" {
		return fmt.Sprintf(", local=%s:%d", p.client.LocalIP, p.client.LocalPort)
	}
	if p.sourceIP != "" {
		return fmt.Sprintf(", local=%s", p.sourceIP)
	}
	return ""
}

// shouldReconnectLocked implements the reconnect-decision rule in §4.C.
// Caller holds p.mu.
func (p *ProxyConnection) shouldReconnectLocked(elapsed time.Duration) bool {
	if p.disableReconnect {
		return false
	}
	if p.reconnectCount >= p.maxReconnects {
		return false
	}
	remaining := p.timeouts.Connect - elapsed
	return remaining >= constants.ProxyConnectRetryMinRemaining
}

func (p *ProxyConnection) scheduleReconnect() {
	p.mu.Lock()
	p.reconnectCount++
	count := p.reconnectCount
	p.mu.Unlock()

	p.events.ProxySessionReconnecting(map[string]any{
		"dest_ip":            p.destination.IP,
		"dest_port":          p.destination.Port,
		"reconnect_attempts": count,
	})

	p.mu.Lock()
	p.connectTimer = time.AfterFunc(constants.ProxyConnectRetryDelay, func() {
		p.Connect(context.Background())
	})
	p.mu.Unlock()
}

// RedirectFinish handles a referral: reconnect to a different destination,
// subject to loop detection.
func (p *ProxyConnection) RedirectFinish(ip string, port int) {
	p.mu.Lock()

	if p.client != nil && ip == p.client.LocalIP && port == p.client.LocalPort {
		p.mu.Unlock()
		p.fail(NewProxyFailureError(FailureInternalConfig, p.destination.String(), "Proxying loops", &RedirectLoopError{IP: ip, Port: port}))
		return
	}

	var hop *RedirectHop
	for i := range p.redirectPath {
		if p.redirectPath[i].IP == ip && p.redirectPath[i].Port == port {
			hop = &p.redirectPath[i]
			break
		}
	}
	if hop != nil && hop.Count >= constants.ProxyRedirectLoopMinCount {
		p.mu.Unlock()
		p.fail(NewProxyFailureError(FailureInternalConfig, p.destination.String(), "Proxying loops", &RedirectLoopError{IP: ip, Port: port, Count: hop.Count}))
		return
	}

	if hop == nil {
		p.redirectPath = append(p.redirectPath, RedirectHop{IP: ip, Port: port, Count: 1})
	} else {
		hop.Count++
	}

	p.proxyTTL--
	if p.client != nil {
		p.client.ProxyTTL = p.proxyTTL
	}
	p.mu.Unlock()

	// Close the current server side and release its DestRec counters
	// before switching to the new destination.
	p.disconnect()

	p.mu.Lock()
	p.destination = Destination{Host: ip, IP: ip, Port: port}
	if p.registry != nil {
		p.dest = p.registry.GetOrCreate(ip, port)
	}
	p.mu.Unlock()

	p.events.ProxySessionRedirected(map[string]any{
		"dest_ip":   ip,
		"dest_port": port,
	})

	p.Connect(context.Background())
}

// Detach hands the byte streams from the protocol driver to the bidirectional
// pump once auth succeeds.
func (p *ProxyConnection) Detach() (*IoStreamProxy, error) {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil, fmt.Errorf("proxy connection: already detached")
	}
	if p.serverConn == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("proxy connection: no server connection")
	}
	if err := p.transition(SessionStateDetached); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	p.detached = true
	now := p.now()
	p.lastReadClient, p.lastReadServer = now, now
	p.lastWriteClient, p.lastWriteServer = now, now

	var clientConn net.Conn
	if p.client != nil {
		clientConn = p.client.ClientConn
	}
	serverConn := p.serverConn
	notifyRefresh := p.timeouts.NotifyRefresh
	anvil := p.anvil
	virtualUser := ""
	if p.client != nil {
		virtualUser = p.client.VirtualUser
	}
	destIP, destPort := p.destination.IP, p.destination.Port
	p.mu.Unlock()

	if anvil != nil {
		guid, err := anvil.Connect(context.Background(), virtualUser, destIP, destPort)
		if err == nil {
			p.mu.Lock()
			p.anvilGUID = guid
			p.anvilConnectSent = true
			p.mu.Unlock()
		}
	}

	pump := NewIoStreamProxy(clientConn, serverConn, constants.ProxyMaxOutbuf, func(status PumpStatus) {
		p.onPumpComplete(status)
	})

	p.mu.Lock()
	p.pump = pump
	if notifyRefresh > 0 {
		p.notifyTimer = time.AfterFunc(notifyRefresh, p.onNotifyRefresh)
	}
	p.mu.Unlock()

	pump.Start()
	return pump, nil
}

func (p *ProxyConnection) onNotifyRefresh() {
	// Periodic keepalive/refresh notification; doubles as an activity touch
	// for the idle reaper while the pump is relaying bytes silently.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != SessionStateDetached {
		return
	}
	now := p.now()
	p.lastReadClient, p.lastReadServer = now, now
	p.lastWriteClient, p.lastWriteServer = now, now
	if p.timeouts.NotifyRefresh > 0 {
		p.notifyTimer = time.AfterFunc(p.timeouts.NotifyRefresh, p.onNotifyRefresh)
	}
}

func (p *ProxyConnection) onPumpComplete(status PumpStatus) {
	p.mu.Lock()
	now := p.now()
	idle := now.Sub(p.lastIOLocked())
	duration := now.Sub(p.createdAt)
	var in, out int64
	if p.pump != nil {
		in = p.pump.BytesServerToClient()
		out = p.pump.BytesClientToServer()
	}
	p.mu.Unlock()

	p.events.ProxySessionFinished(map[string]any{
		"dest_ip":          p.destination.IP,
		"dest_port":        p.destination.Port,
		"idle_usecs":       idle.Microseconds(),
		"net_in_bytes":     in,
		"net_out_bytes":    out,
		"disconnect_side":  status.Side,
		"duration_seconds": duration.Seconds(),
	})

	p.FreeFull(false, "relay finished: "+status.Status.String())
}

func (p *ProxyConnection) lastIOLocked() time.Time {
	latest := p.lastReadClient
	for _, t := range []time.Time{p.lastReadServer, p.lastWriteClient, p.lastWriteServer} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// LastIO returns the most recent read/write timestamp across all four
// streams, used by the idle reaper.
func (p *ProxyConnection) LastIO() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIOLocked()
}

func (p *ProxyConnection) fail(err error) {
	var ferr *ProxyFailureError
	if fe, ok := err.(*ProxyFailureError); ok {
		ferr = fe
	} else {
		ferr = NewProxyFailureError(FailureInternal, p.destination.String(), err.Error(), err)
	}

	if ferr.Type == FailureAuthRedirect {
		// Handled via RedirectFinish, not a terminal failure.
		return
	}

	p.events.ProxySessionFailed(map[string]any{
		"type":        ferr.Type.String(),
		"destination": ferr.Destination,
		"reason":      ferr.Reason,
	})

	if p.callbacks.OnFailure != nil {
		p.callbacks.OnFailure(ferr)
	}

	p.FreeFull(ferr.Type.RetryEligible(), ferr.Error())
}

// DisconnectMode selects whether FreeFull should smear the teardown across
// time (Delayed) or perform it immediately (Immediate).
type DisconnectMode int

const (
	DisconnectImmediate DisconnectMode = iota
	DisconnectDelayed
)

// FreeFull tears the session down. It is guarded by `destroying` so a second
// call during teardown (from any of I/O completion, idle reaper, admin kick,
// shutdown drain, or the protocol driver) is a no-op.
func (p *ProxyConnection) FreeFull(delayed bool, reason string) {
	p.mu.Lock()
	if p.destroying {
		p.mu.Unlock()
		return
	}
	p.destroying = true

	wasDetached := p.detached
	dest := p.dest
	anvil := p.anvil
	anvilSent := p.anvilConnectSent
	guid := p.anvilGUID
	p.mu.Unlock()

	p.disconnect()

	if anvilSent && anvil != nil {
		anvil.Disconnect(context.Background(), guid)
	}

	if wasDetached && delayed && dest != nil {
		decision := dest.NextDisconnectDelay(p.timeouts.MaxDisconnectDelay, nil)
		p.reportDestGauges(dest)
		if !decision.Now {
			if p.callbacks.OnDisconnecting != nil {
				p.callbacks.OnDisconnecting(p)
			}
			p.mu.Lock()
			p.delayedDisconnect = true
			onDue := func() {
				dest.DecDelayedClientDisconnects()
				p.reportDestGauges(dest)
				p.finalFree(reason)
			}
			if p.smear != nil {
				p.smear.Schedule(p.now().Add(decision.Delay), onDue)
			} else {
				p.disconnectTimer = time.AfterFunc(decision.Delay, onDue)
			}
			p.mu.Unlock()
			return
		}
	}

	p.finalFree(reason)
}

// disconnect stops timers, tears down the server side, and updates DestRec
// counters. It may run multiple times safely (idempotent sub-steps).
func (p *ProxyConnection) disconnect() {
	p.mu.Lock()

	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
	}

	if p.serverConn != nil {
		_ = p.serverConn.Close()
		p.serverConn = nil
	}

	if !p.numWaitingCounted {
		p.numWaitingCounted = true
		if p.dest != nil {
			p.dest.DecWaiting()
		}
	}
	if p.connected && p.dest != nil {
		p.dest.DecProxying()
	}
	p.connected = false
	dest := p.dest
	p.mu.Unlock()

	p.reportDestGauges(dest)
}

func (p *ProxyConnection) finalFree(reason string) {
	p.mu.Lock()
	_ = p.transition(SessionStateFreed)
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
	}
	p.mu.Unlock()
	_ = reason
}

// NewAnvilGUID generates a fresh 128-bit session identifier for the anvil
// collaborator's connect() call, replacing the original's guid_128_t.
func NewAnvilGUID() string {
	return uuid.New().String()
}
