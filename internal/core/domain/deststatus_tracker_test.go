package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestStatusTrackerLogsOnTransition(t *testing.T) {
	tr := NewDestStatusTracker()

	shouldLog, count := tr.ShouldLog("10.0.0.1:110", DestStatusUnhealthy, true)
	assert.True(t, shouldLog)
	assert.Equal(t, int64(1), count)

	shouldLog, count = tr.ShouldLog("10.0.0.1:110", DestStatusHealthy, false)
	assert.True(t, shouldLog)
	assert.Equal(t, int64(0), count)
}

func TestDestStatusTrackerThrottlesRepeatedError(t *testing.T) {
	tr := NewDestStatusTracker()

	shouldLog, _ := tr.ShouldLog("10.0.0.1:110", DestStatusUnhealthy, true)
	assert.True(t, shouldLog)

	for i := 0; i < 8; i++ {
		shouldLog, _ = tr.ShouldLog("10.0.0.1:110", DestStatusUnhealthy, true)
		assert.False(t, shouldLog, "occurrence %d should be throttled", i+2)
	}

	shouldLog, count := tr.ShouldLog("10.0.0.1:110", DestStatusUnhealthy, true)
	assert.True(t, shouldLog, "10th occurrence should break through the throttle")
	assert.Equal(t, int64(10), count)
}

func TestDestStatusTrackerNeverLogsRepeatedHealthy(t *testing.T) {
	tr := NewDestStatusTracker()

	shouldLog, _ := tr.ShouldLog("10.0.0.1:110", DestStatusHealthy, false)
	assert.True(t, shouldLog)

	for i := 0; i < 5; i++ {
		shouldLog, _ = tr.ShouldLog("10.0.0.1:110", DestStatusHealthy, false)
		assert.False(t, shouldLog)
	}
}

func TestDestStatusTrackerTracksDestinationsIndependently(t *testing.T) {
	tr := NewDestStatusTracker()

	tr.ShouldLog("10.0.0.1:110", DestStatusUnhealthy, true)
	shouldLog, count := tr.ShouldLog("10.0.0.2:110", DestStatusUnhealthy, true)
	assert.True(t, shouldLog)
	assert.Equal(t, int64(1), count)

	assert.ElementsMatch(t, []string{"10.0.0.1:110", "10.0.0.2:110"}, tr.ActiveDestinations())

	tr.CleanupDestination("10.0.0.1:110")
	assert.Equal(t, []string{"10.0.0.2:110"}, tr.ActiveDestinations())
}
