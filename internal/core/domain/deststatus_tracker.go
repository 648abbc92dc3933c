package domain

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// destStatusLogWindow bounds how long a repeated-error status can stay
// silent before it is logged again regardless of the occurrence count.
const destStatusLogWindow = 5 * time.Minute

// destStatusErrorEvery re-announces a standing error status every Nth
// occurrence, so a destination stuck unhealthy for hours doesn't vanish
// from the log between the transition and the next window boundary.
const destStatusErrorEvery = 10

// destStatusEntry is the per-destination record DestStatusTracker keeps
// between calls to ShouldLog. All fields are atomic because health
// observations for the same destination can arrive from multiple
// ProxyConnections concurrently.
type destStatusEntry struct {
	lastStatus  atomic.Int32
	lastLogTime atomic.Int64 // unix nanos
	errorCount  atomic.Int64
}

// DestStatusTracker decides whether a destination's health status is worth
// logging again, so a flapping or persistently down destination doesn't
// flood the log with one line per connection attempt. It always reports a
// transition; a standing error status is otherwise throttled to once every
// destStatusErrorEvery occurrences or destStatusLogWindow, whichever comes
// first.
type DestStatusTracker struct {
	entries *xsync.Map[string, *destStatusEntry]
}

// NewDestStatusTracker builds an empty tracker, one per process (shared
// across every destination, keyed by its host:port string).
func NewDestStatusTracker() *DestStatusTracker {
	return &DestStatusTracker{entries: xsync.NewMap[string, *destStatusEntry]()}
}

// ShouldLog reports whether the caller should emit a log line for
// destination currently at status, and the consecutive-error count to
// attach to it. isError marks status as a "bad" outcome (unhealthy or
// unknown) worth throttling rather than reporting on every call.
func (t *DestStatusTracker) ShouldLog(destination string, status DestStatus, isError bool) (bool, int64) {
	entry, _ := t.entries.LoadOrStore(destination, &destStatusEntry{})

	now := time.Now()
	prev := DestStatus(entry.lastStatus.Swap(int32(status)))

	if prev != status {
		entry.lastLogTime.Store(now.UnixNano())
		if isError {
			entry.errorCount.Store(1)
			return true, 1
		}
		entry.errorCount.Store(0)
		return true, 0
	}

	if !isError {
		return false, 0
	}

	count := entry.errorCount.Add(1)
	lastLog := fromUnixNano(entry.lastLogTime.Load())
	if count%destStatusErrorEvery == 0 || now.Sub(lastLog) >= destStatusLogWindow {
		entry.lastLogTime.Store(now.UnixNano())
		return true, count
	}
	return false, count
}

// CleanupDestination drops tracking state for a destination that is no
// longer in use, e.g. when it's removed from configuration.
func (t *DestStatusTracker) CleanupDestination(destination string) {
	t.entries.Delete(destination)
}

// ActiveDestinations reports every destination with tracking state.
func (t *DestStatusTracker) ActiveDestinations() []string {
	out := make([]string, 0, t.entries.Size())
	t.entries.Range(func(key string, _ *destStatusEntry) bool {
		out = append(out, key)
		return true
	})
	return out
}
