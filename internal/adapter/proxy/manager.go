// Package proxy contains the process-wide registries and lifecycle
// orchestration that sit above individual ProxyConnections: the pending,
// detached and disconnecting lists, admin kick, the idle reaper, and
// graceful shutdown drain.
package proxy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thushan/loginproxy/internal/core/constants"
	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/logger"
	"github.com/thushan/loginproxy/internal/util/pattern"
)

// Manager is the process-wide registry of live sessions: not-yet-detached
// (pending), detached-and-relaying, and disconnecting (delayed-free). It
// mirrors login_proxy's global linked lists, expressed as plain Go maps
// guarded by a mutex rather than intrusive pointers.
type Manager struct {
	mu sync.Mutex

	pending       map[*domain.ProxyConnection]struct{}
	detached      map[*domain.ProxyConnection]struct{}
	byVirtualUser map[string]map[*domain.ProxyConnection]struct{}
	disconnecting map[*domain.ProxyConnection]struct{}

	log          *logger.StyledLogger
	destRegistry *domain.DestRegistry
	destHealth   *domain.DestStatusTracker

	idleCheckInterval time.Duration
	stopReap          chan struct{}
	reapWg            sync.WaitGroup
}

// New builds an empty Manager. destRegistry may be nil in tests that never
// exercise destination health reporting.
func New(log *logger.StyledLogger, destRegistry *domain.DestRegistry) *Manager {
	return &Manager{
		pending:           make(map[*domain.ProxyConnection]struct{}),
		detached:          make(map[*domain.ProxyConnection]struct{}),
		byVirtualUser:     make(map[string]map[*domain.ProxyConnection]struct{}),
		disconnecting:     make(map[*domain.ProxyConnection]struct{}),
		log:               log,
		destRegistry:      destRegistry,
		destHealth:        domain.NewDestStatusTracker(),
		idleCheckInterval: constants.LoginProxyDieIdleSeconds,
	}
}

// RegisterPending links a freshly created session into the pending set
// before its first Connect.
func (m *Manager) RegisterPending(p *domain.ProxyConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p] = struct{}{}
}

// LinkDetached moves a session from pending into detached, indexing it under
// its virtual user for O(1) kick-by-user.
func (m *Manager) LinkDetached(p *domain.ProxyConnection, virtualUser string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, p)
	m.detached[p] = struct{}{}

	if virtualUser != "" {
		set, ok := m.byVirtualUser[virtualUser]
		if !ok {
			set = make(map[*domain.ProxyConnection]struct{})
			m.byVirtualUser[virtualUser] = set
		}
		set[p] = struct{}{}
	}
}

// UnlinkDetached removes a session from every registry it may be in. Safe to
// call more than once.
func (m *Manager) UnlinkDetached(p *domain.ProxyConnection, virtualUser string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlinkLocked(p, virtualUser)
}

func (m *Manager) unlinkLocked(p *domain.ProxyConnection, virtualUser string) {
	delete(m.pending, p)
	delete(m.detached, p)
	delete(m.disconnecting, p)
	if virtualUser != "" {
		if set, ok := m.byVirtualUser[virtualUser]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(m.byVirtualUser, virtualUser)
			}
		}
	}
}

// MarkDisconnecting moves a session onto the delayed-disconnect queue.
func (m *Manager) MarkDisconnecting(p *domain.ProxyConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.detached, p)
	m.disconnecting[p] = struct{}{}
}

// DetachedCount reports the size of the detached set, which must always
// equal the number of sessions actually linked.
func (m *Manager) DetachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.detached)
}

// KickUser frees every session belonging to virtualUser, optionally scoped
// to a single connection GUID, and reports how many were killed. Each
// matching session is visited exactly once.
func (m *Manager) KickUser(virtualUser string, connGUID string, guidOf func(*domain.ProxyConnection) string) int {
	m.mu.Lock()
	set, ok := m.byVirtualUser[virtualUser]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	victims := make([]*domain.ProxyConnection, 0, len(set))
	for p := range set {
		if connGUID == "" || guidOf == nil || guidOf(p) == connGUID {
			victims = append(victims, p)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		p.FreeFull(true, constants.KilledByAdminReason)
	}
	if len(victims) > 0 {
		m.log.InfoWithCount("kicked sessions for user", len(victims), "virtual_user", virtualUser)
	}
	return len(victims)
}

// KickUsersMatching frees every detached session whose virtual user matches
// the glob pattern (supporting a single leading/trailing/enclosing *), for
// an admin kicking a whole domain or account prefix at once rather than one
// virtual user at a time.
func (m *Manager) KickUsersMatching(userPattern string) int {
	m.mu.Lock()
	victims := make([]*domain.ProxyConnection, 0)
	for virtualUser, set := range m.byVirtualUser {
		if !pattern.MatchesGlob(virtualUser, userPattern) {
			continue
		}
		for p := range set {
			victims = append(victims, p)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		p.FreeFull(true, constants.KilledByAdminReason)
	}
	if len(victims) > 0 {
		m.log.InfoWithCount("kicked sessions matching pattern", len(victims), "pattern", userPattern)
	}
	return len(victims)
}

// KillIdle frees every session (pending or detached) whose last I/O
// predates the idle threshold, and arms a timer for every other session at
// the exact moment it will become idle.
func (m *Manager) KillIdle() {
	m.mu.Lock()
	candidates := make([]*domain.ProxyConnection, 0, len(m.detached)+len(m.pending))
	for p := range m.detached {
		candidates = append(candidates, p)
	}
	for p := range m.pending {
		candidates = append(candidates, p)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, p := range candidates {
		idleSince := now.Sub(p.LastIO())
		if idleSince >= constants.LoginProxyDieIdleSeconds {
			p.FreeFull(false, "Disconnected for inactivity")
			continue
		}
		remaining := constants.LoginProxyDieIdleSeconds - idleSince
		time.AfterFunc(remaining, func() {
			if now := time.Now(); now.Sub(p.LastIO()) >= constants.LoginProxyDieIdleSeconds {
				p.FreeFull(false, "Disconnected for inactivity")
			}
		})
	}
}

// StartIdleReaper runs KillIdle and reportDestHealth on a fixed tick until
// ctx is cancelled.
func (m *Manager) StartIdleReaper(ctx context.Context) {
	m.reapWg.Add(1)
	go func() {
		defer m.reapWg.Done()
		ticker := time.NewTicker(constants.LoginProxyDieIdleSeconds)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.KillIdle()
				m.reportDestHealth()
			}
		}
	}()
}

// reportDestHealth walks every known destination and logs its status
// through destHealth, which throttles repeated unhealthy/unknown reports so
// a destination stuck down doesn't produce a log line per tick. Mirrors the
// periodic health-checker sweep this proxy has no separate process for:
// destination health here is observed passively, from connect/failure
// timestamps each ProxyConnection already records.
func (m *Manager) reportDestHealth() {
	if m.destRegistry == nil {
		return
	}

	dests := m.destRegistry.Snapshot()
	var healthy, unhealthy, unknown int

	for _, dest := range dests {
		status := dest.Status()
		switch status {
		case domain.DestStatusHealthy:
			healthy++
		case domain.DestStatusUnhealthy:
			unhealthy++
		default:
			unknown++
		}

		isError := status != domain.DestStatusHealthy
		shouldLog, errorCount := m.destHealth.ShouldLog(dest.String(), status, isError)
		if !shouldLog {
			continue
		}

		m.log.InfoHealthStatus("destination status", dest.String(), status)

		switch {
		case status == domain.DestStatusHealthy:
			m.log.InfoHealthy("destination recovered", dest.String())
		case errorCount > 1:
			m.log.WarnWithEndpoint("destination still unhealthy", dest.String(),
				"consecutive_checks", errorCount,
				"waiting", dest.NumWaitingConnections(),
				"proxying", dest.NumProxyingConnections())
		case status == domain.DestStatusUnhealthy:
			m.log.InfoUnhealthy("destination went down", dest.String())
		default:
			m.log.WarnUnknownHealth("destination has no connection history yet", dest.String())
		}
	}

	if len(dests) > 0 {
		m.log.InfoWithHealthStats("destination health summary", healthy, unhealthy, unknown)
	}
}

// Shutdown frees every detached session, then forces every delayed
// disconnect to happen immediately, and waits for both to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	detached := make([]*domain.ProxyConnection, 0, len(m.detached))
	for p := range m.detached {
		detached = append(detached, p)
	}
	disconnecting := make([]*domain.ProxyConnection, 0, len(m.disconnecting))
	for p := range m.disconnecting {
		disconnecting = append(disconnecting, p)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, p := range detached {
		p := p
		g.Go(func() error {
			p.FreeFull(true, constants.KilledByShutdownReason)
			return nil
		})
	}
	for _, p := range disconnecting {
		p := p
		g.Go(func() error {
			p.FreeFull(false, constants.KilledByShutdownReason)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.reapWg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) != 0 || len(m.detached) != 0 || len(m.disconnecting) != 0 {
		m.log.Warn("shutdown drain left sessions in registries",
			"pending", len(m.pending), "detached", len(m.detached), "disconnecting", len(m.disconnecting))
	}
	return nil
}

// Snapshot reports a point-in-time count of each registry, for admin/status
// display (e.g. the loginproxy-top dashboard).
type Snapshot struct {
	Pending       int
	Detached      int
	Disconnecting int
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Pending:       len(m.pending),
		Detached:      len(m.detached),
		Disconnecting: len(m.disconnecting),
	}
}
