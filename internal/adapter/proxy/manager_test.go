package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	_, styled, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	require.NoError(t, err)
	return New(styled, domain.NewDestRegistry())
}

func newTestSession(t *testing.T) *domain.ProxyConnection {
	t.Helper()
	return domain.NewProxyConnection(domain.ProxyConnectionConfig{
		Destination: domain.Destination{IP: "10.0.0.1", Port: 110},
	})
}

func TestLinkDetachedMovesFromPendingToDetached(t *testing.T) {
	m := newTestManager(t)
	p := newTestSession(t)

	m.RegisterPending(p)
	m.LinkDetached(p, "alice")

	assert.Equal(t, 1, m.DetachedCount())
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 1, snap.Detached)
}

func TestKickUserVisitsEachMatchingSessionExactlyOnce(t *testing.T) {
	m := newTestManager(t)

	p1 := newTestSession(t)
	p2 := newTestSession(t)
	other := newTestSession(t)

	m.RegisterPending(p1)
	m.LinkDetached(p1, "alice")
	m.RegisterPending(p2)
	m.LinkDetached(p2, "alice")
	m.RegisterPending(other)
	m.LinkDetached(other, "bob")

	killed := m.KickUser("alice", "", nil)

	assert.Equal(t, 2, killed)
	assert.Equal(t, domain.SessionStateFreed, p1.State())
	assert.Equal(t, domain.SessionStateFreed, p2.State())
	assert.NotEqual(t, domain.SessionStateFreed, other.State())
}

func TestKickUserScopesToConnGUIDWhenProvided(t *testing.T) {
	m := newTestManager(t)
	p1 := newTestSession(t)
	p2 := newTestSession(t)

	m.RegisterPending(p1)
	m.LinkDetached(p1, "alice")
	m.RegisterPending(p2)
	m.LinkDetached(p2, "alice")

	guidOf := func(p *domain.ProxyConnection) string {
		if p == p1 {
			return "guid-1"
		}
		return "guid-2"
	}

	killed := m.KickUser("alice", "guid-1", guidOf)

	assert.Equal(t, 1, killed)
	assert.Equal(t, domain.SessionStateFreed, p1.State())
	assert.NotEqual(t, domain.SessionStateFreed, p2.State())
}

func TestKickUserUnknownVirtualUserKillsNothing(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 0, m.KickUser("nobody", "", nil))
}

func TestReportDestHealthHandlesNilRegistry(t *testing.T) {
	_, styled, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	require.NoError(t, err)
	m := New(styled, nil)
	// Must not panic when no registry was wired in (tests of the proxy core
	// that never touch destination health).
	m.reportDestHealth()
}

func TestReportDestHealthWalksEveryKnownDestination(t *testing.T) {
	reg := domain.NewDestRegistry()
	reg.GetOrCreate("10.0.0.1", 110)
	dest := reg.GetOrCreate("10.0.0.2", 110)
	dest.SetLastSuccess(time.Now())

	_, styled, _, err := logger.NewWithTheme(&logger.Config{Level: "error"})
	require.NoError(t, err)
	m := New(styled, reg)

	// First sweep logs a transition for both (unknown, healthy); the second
	// sweep should be silent for the unchanged healthy destination and
	// throttled for the still-unknown one.
	m.reportDestHealth()
	m.reportDestHealth()
}

func TestUnlinkDetachedRemovesFromEveryRegistry(t *testing.T) {
	m := newTestManager(t)
	p := newTestSession(t)

	m.RegisterPending(p)
	m.LinkDetached(p, "alice")
	m.UnlinkDetached(p, "alice")

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 0, snap.Detached)
	assert.Equal(t, 0, snap.Disconnecting)
}
