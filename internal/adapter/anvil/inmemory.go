// Package anvil provides an in-process stand-in for Dovecot's anvil
// connection-accounting service. The real anvil is an external process
// reached over a UNIX socket; spec.md explicitly treats it as an external
// collaborator (see ports.Anvil), so this package exists only to give the
// daemon entry point something to wire in a single-process deployment.
package anvil

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// InMemory tracks concurrent sessions per virtual user without talking to
// an external process, using the same lock-light map the destination
// registry uses. It also remembers which virtual user each GUID belongs to,
// since Disconnect is only handed the GUID back.
type InMemory struct {
	counts *xsync.Map[string, *atomic.Int64]
	owners *xsync.Map[string, string]
}

// New builds an empty InMemory accountant.
func New() *InMemory {
	return &InMemory{
		counts: xsync.NewMap[string, *atomic.Int64](),
		owners: xsync.NewMap[string, string](),
	}
}

// Connect issues a session GUID and increments the virtual user's count.
// destIP and destPort identify the backend the session was proxied to; the
// in-process accountant doesn't need them beyond satisfying ports.Anvil.
func (a *InMemory) Connect(_ context.Context, virtualUser, _ string, _ int) (string, error) {
	counter, _ := a.counts.LoadOrStore(virtualUser, &atomic.Int64{})
	counter.Add(1)

	guid := uuid.New().String()
	a.owners.Store(guid, virtualUser)
	return guid, nil
}

// Disconnect decrements the session count for the virtual user Connect
// issued this GUID to.
func (a *InMemory) Disconnect(_ context.Context, guid string) {
	virtualUser, ok := a.owners.LoadAndDelete(guid)
	if !ok {
		return
	}
	if counter, ok := a.counts.Load(virtualUser); ok {
		counter.Add(-1)
	}
}

// CountForUser reports how many sessions Connect has recorded for a virtual
// user, for admin/status display.
func (a *InMemory) CountForUser(virtualUser string) int64 {
	counter, ok := a.counts.Load(virtualUser)
	if !ok {
		return 0
	}
	return counter.Load()
}
