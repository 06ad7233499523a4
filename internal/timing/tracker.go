// Package timing derives hardware-drop counts from monotonic frame
// numbers and normalizes sensor timestamps for the timing CSV.
package timing

// Update is the per-frame result of Tracker.Update.
type Update struct {
	FrameNumber      uint64
	SensorTimestampNs int64
	DroppedSinceLast uint32
	TotalDrops       uint64
}

// Tracker accumulates hardware drop counts across a single camera's frame
// stream. Not safe for concurrent use; the record pipeline owns one
// instance per camera and calls Update from its single writer task.
type Tracker struct {
	lastFrameNumber *uint64
	totalDrops      uint64
}

// NewTracker returns a Tracker with no prior frame observed.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Update synthesizes a frame number when the source didn't supply one,
// derives the drop count since the previous frame, and normalizes the
// timestamp source: sensorTsNs when present (>0), otherwise
// monotonicNs converted to nanoseconds already by the caller.
func (t *Tracker) Update(frameNumber *uint64, sensorTsNs int64, monotonicNs int64) Update {
	var current uint64
	if frameNumber != nil {
		current = *frameNumber
	} else if t.lastFrameNumber != nil {
		current = *t.lastFrameNumber + 1
	} else {
		current = 0
	}

	var dropped uint32
	if t.lastFrameNumber != nil && current > *t.lastFrameNumber+1 {
		dropped = uint32(current - *t.lastFrameNumber - 1)
	}
	t.totalDrops += uint64(dropped)

	last := current
	t.lastFrameNumber = &last

	ts := sensorTsNs
	if ts == 0 {
		ts = monotonicNs
	}

	return Update{
		FrameNumber:       current,
		SensorTimestampNs: ts,
		DroppedSinceLast:  dropped,
		TotalDrops:        t.totalDrops,
	}
}

// TotalDrops returns the running total without mutating state.
func (t *Tracker) TotalDrops() uint64 {
	return t.totalDrops
}
