package timing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func u64(v uint64) *uint64 { return &v }

func TestTrackerSynthesizesFrameNumber(t *testing.T) {
	tr := NewTracker()
	u1 := tr.Update(nil, 1000, 0)
	assert.Equal(t, uint64(0), u1.FrameNumber)
	u2 := tr.Update(nil, 2000, 0)
	assert.Equal(t, uint64(1), u2.FrameNumber)
	assert.Equal(t, uint32(0), u2.DroppedSinceLast)
}

func TestTrackerCountsDrops(t *testing.T) {
	tr := NewTracker()
	tr.Update(u64(0), 0, 100)
	upd := tr.Update(u64(5), 0, 600)
	assert.Equal(t, uint32(4), upd.DroppedSinceLast)
	assert.Equal(t, uint64(4), upd.TotalDrops)

	upd2 := tr.Update(u64(6), 0, 700)
	assert.Equal(t, uint32(0), upd2.DroppedSinceLast)
	assert.Equal(t, uint64(4), upd2.TotalDrops)
	assert.Equal(t, uint64(4), tr.TotalDrops())
}

func TestTrackerTimestampFallback(t *testing.T) {
	tr := NewTracker()
	withSensor := tr.Update(u64(0), 123456789, 999)
	assert.Equal(t, int64(123456789), withSensor.SensorTimestampNs)

	withoutSensor := tr.Update(u64(1), 0, 555)
	assert.Equal(t, int64(555), withoutSensor.SensorTimestampNs)
}
