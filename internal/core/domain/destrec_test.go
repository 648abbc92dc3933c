package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDestRegistrySharesRecordAcrossSessions(t *testing.T) {
	reg := NewDestRegistry()

	a := reg.GetOrCreate("10.0.0.1", 110)
	b := reg.GetOrCreate("10.0.0.1", 110)

	assert.Same(t, a, b)
	assert.Equal(t, 1, reg.Len())

	c := reg.GetOrCreate("10.0.0.2", 110)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, reg.Len())
}

func TestDestRecCountersNeverGoNegative(t *testing.T) {
	rec := newDestRec("10.0.0.1", 110)

	rec.DecWaiting()
	rec.DecProxying()

	assert.GreaterOrEqual(t, rec.NumWaitingConnections(), int64(0))
	assert.GreaterOrEqual(t, rec.NumProxyingConnections(), int64(0))

	rec.IncWaiting()
	rec.DecWaiting()
	rec.DecWaiting()
	assert.Equal(t, int64(0), rec.NumWaitingConnections())
}

// TestDisconnectSmearSpreadsAcrossWindow: 100 detached proxies to the same
// destination, max_delay_s=4. num_proxying stays at 100 throughout, so the
// delayed offsets fall between 1 and 2 seconds; every delay must stay within
// max_delay plus one second.
func TestDisconnectSmearSpreadsAcrossWindow(t *testing.T) {
	rec := newDestRec("10.0.0.1", 110)
	rec.numProxyingConnections.Store(100)

	maxDelay := 4 * time.Second
	var delays []time.Duration

	for i := 0; i < 100; i++ {
		decision := rec.NextDisconnectDelay(maxDelay, func(n int) int { return n / 2 })
		if !decision.Now {
			delays = append(delays, decision.Delay)
		}
	}

	assert.Equal(t, int64(100), rec.numDisconnectsSinceTs.Load())
	assert.Equal(t, int64(len(delays)), rec.NumDelayedClientDisconnects())

	for _, d := range delays {
		assert.LessOrEqual(t, d, maxDelay+time.Second)
	}
}

func TestDisconnectSmearNoDelayWhenMaxDelayZero(t *testing.T) {
	rec := newDestRec("10.0.0.1", 110)
	decision := rec.NextDisconnectDelay(0, nil)
	assert.True(t, decision.Now)
}

func TestDisconnectSmearImmediateBelowThreshold(t *testing.T) {
	rec := newDestRec("10.0.0.1", 110)
	decision := rec.NextDisconnectDelay(4*time.Second, func(n int) int { return 0 })
	assert.True(t, decision.Now)
}
