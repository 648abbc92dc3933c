package domain

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/loginproxy/internal/core/ports"
)

type fakeTLSDialer struct {
	handshakes int
}

func (f *fakeTLSDialer) Handshake(_ context.Context, conn net.Conn, _ string, _ bool) (*tls.Conn, error) {
	f.handshakes++
	return tls.Client(conn, &tls.Config{InsecureSkipVerify: true}), nil
}

type fakeAnvil struct {
	mu          sync.Mutex
	connects    int
	disconnects int
}

func (f *fakeAnvil) Connect(context.Context, string, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return "guid-1", nil
}

func (f *fakeAnvil) Disconnect(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func newTestConn(cfg ProxyConnectionConfig) *ProxyConnection {
	if cfg.Timeouts.Connect == 0 {
		cfg.Timeouts.Connect = 3 * time.Second
	}
	return NewProxyConnection(cfg)
}

// Scenario 5: a destination whose last failure is long after its last
// success, with other sessions already waiting, must bypass dialing
// entirely and fail fast.
func TestConnectBypassesImmediatelyWhenHostLongDown(t *testing.T) {
	registry := NewDestRegistry()
	dest := registry.GetOrCreate("10.0.0.9", 110)
	dest.IncWaiting()
	dest.IncWaiting()

	now := time.Now()
	dest.SetLastSuccess(now.Add(-time.Hour))
	dest.SetLastFailure(now.Add(-time.Minute))

	var gotFailure *ProxyFailureError
	conn := newTestConn(ProxyConnectionConfig{
		Destination: Destination{IP: "10.0.0.9", Port: 110},
		Registry:    registry,
		Timeouts:    Timeouts{Connect: time.Second, HostImmediateFailureAfter: time.Second},
		Callbacks: Callbacks{
			OnFailure: func(e *ProxyFailureError) { gotFailure = e },
		},
	})

	conn.Connect(context.Background())

	require.NotNil(t, gotFailure)
	assert.Equal(t, FailureConnect, gotFailure.Type)
	assert.Equal(t, SessionStateFreed, conn.State())
}

// Scenario: connect, TLS, detach drives the session through every forward
// state and hands bytes to the pump once authenticated.
func TestConnectTLSAndDetachReachesDetachedState(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	serverSide, serverRemote := net.Pipe()
	defer clientRemote.Close()
	defer serverRemote.Close()

	tlsDialer := &fakeTLSDialer{}
	anvil := &fakeAnvil{}

	conn := newTestConn(ProxyConnectionConfig{
		Client:      &ports.Client{VirtualUser: "alice", ClientConn: clientSide},
		Destination: Destination{IP: "10.0.0.1", Port: 995, Host: "mail.example.com"},
		SslFlags:    ports.SslYes,
		TLS:         tlsDialer,
		Anvil:       anvil,
		Timeouts:    Timeouts{NotifyRefresh: time.Hour},
	})

	// Bypass the real dialer: drive the internal transitions the way
	// connectReady would, using the pipe as the "dialed" server connection.
	conn.mu.Lock()
	conn.serverConn = serverSide
	conn.connected = true
	_ = conn.transition(SessionStateConnecting)
	conn.mu.Unlock()
	conn.connectReady(serverSide)

	assert.Equal(t, 1, tlsDialer.handshakes)
	assert.Equal(t, SessionStateAuthenticating, conn.State())

	pump, err := conn.Detach()
	require.NoError(t, err)
	require.NotNil(t, pump)
	assert.Equal(t, SessionStateDetached, conn.State())
	assert.Equal(t, 1, anvil.connects)
}

// Scenario 3: a dial failure with reconnect budget remaining retries, then
// fails permanently once the budget is exhausted.
func TestConnectFailureExhaustsReconnectBudget(t *testing.T) {
	var failure *ProxyFailureError
	done := make(chan struct{})

	conn := newTestConn(ProxyConnectionConfig{
		Destination:   Destination{IP: "127.0.0.1", Port: 1},
		MaxReconnects: 1,
		Timeouts:      Timeouts{Connect: 3 * time.Second},
		Callbacks: Callbacks{
			OnFailure: func(e *ProxyFailureError) {
				failure = e
				close(done)
			},
		},
	})

	conn.Connect(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal failure")
	}

	require.NotNil(t, failure)
	assert.Equal(t, FailureConnect, failure.Type)
	assert.Equal(t, 1, conn.ReconnectCount())
}

// Scenario 4: redirecting to the same destination enough times is treated
// as a loop and reported as a permanent failure rather than followed.
func TestRedirectFinishDetectsLoop(t *testing.T) {
	var failure *ProxyFailureError
	conn := newTestConn(ProxyConnectionConfig{
		Destination: Destination{IP: "10.0.0.1", Port: 110},
		Callbacks: Callbacks{
			OnFailure: func(e *ProxyFailureError) { failure = e },
		},
	})

	conn.mu.Lock()
	conn.redirectPath = []RedirectHop{{IP: "10.0.0.2", Port: 110, Count: 2}}
	conn.mu.Unlock()

	conn.RedirectFinish("10.0.0.2", 110)

	require.NotNil(t, failure)
	assert.Equal(t, FailureInternalConfig, failure.Type)
}

// RedirectFinish refuses to loop a session back to the accept socket it
// originated from.
func TestRedirectFinishRejectsLoopingBackToClientLocalAddress(t *testing.T) {
	var failure *ProxyFailureError
	conn := newTestConn(ProxyConnectionConfig{
		Client:      &ports.Client{LocalIP: "10.0.0.5", LocalPort: 110},
		Destination: Destination{IP: "10.0.0.1", Port: 110},
		Callbacks: Callbacks{
			OnFailure: func(e *ProxyFailureError) { failure = e },
		},
	})

	conn.RedirectFinish("10.0.0.5", 110)

	require.NotNil(t, failure)
	assert.Equal(t, FailureInternalConfig, failure.Type)
}

func TestDestinationStringUsesHostportRule(t *testing.T) {
	assert.Equal(t, "10.0.0.1:110", Destination{IP: "10.0.0.1", Port: 110}.String())
	assert.Equal(t, "mail.example.com[10.0.0.1]:110",
		Destination{Host: "mail.example.com", IP: "10.0.0.1", Port: 110}.String())
}

func TestFreeFullIsIdempotent(t *testing.T) {
	conn := newTestConn(ProxyConnectionConfig{
		Destination: Destination{IP: "10.0.0.1", Port: 110},
	})
	conn.FreeFull(false, "test teardown")
	assert.NotPanics(t, func() { conn.FreeFull(false, "second call") })
	assert.Equal(t, SessionStateFreed, conn.State())
}
