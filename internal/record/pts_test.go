package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPTSClockStrictlyIncreasing(t *testing.T) {
	c := NewPTSClock()
	start := time.Now()

	p0 := c.NextTicks(1_000_000_000, start)
	assert.Equal(t, int64(0), p0)

	// Same timestamp as the previous frame (e.g. duplicate sensor read):
	// must still advance by at least 1 tick.
	p1 := c.NextTicks(1_000_000_000, start.Add(10*time.Millisecond))
	assert.Greater(t, p1, p0)

	p2 := c.NextTicks(1_005_000_000, start.Add(20*time.Millisecond))
	assert.Greater(t, p2, p1)
	assert.Equal(t, int64(5000), p2)
}

func TestPTSClockClampsStaleTimestamp(t *testing.T) {
	c := NewPTSClock()
	start := time.Now()
	c.NextTicks(1_000_000_000, start)

	// A wildly future sensor timestamp (stale/garbage) must be clamped to
	// elapsed wall-clock time plus the 100ms guard band, not passed through.
	huge := c.NextTicks(1_000_000_000+int64(10*time.Second), start.Add(5*time.Millisecond))
	maxExpectedTicks := (5*time.Millisecond + 100*time.Millisecond).Microseconds()
	assert.LessOrEqual(t, huge, maxExpectedTicks+1)
}

func TestPTSClockNeverDecreases(t *testing.T) {
	c := NewPTSClock()
	start := time.Now()
	var prev int64 = -1
	sources := []int64{5_000_000, 4_000_000, 4_000_000, 9_000_000, 1_000_000}
	for i, src := range sources {
		ticks := c.NextTicks(src, start.Add(time.Duration(i)*time.Millisecond))
		assert.Greater(t, ticks, prev)
		prev = ticks
	}
}
