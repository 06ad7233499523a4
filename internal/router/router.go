// Package router fans a single camera's frame stream into two sinks
// with different backpressure policies: a coalescing preview queue that
// favors freshness, and a blocking record queue that favors
// completeness. One consumer task per camera owns the fan-out.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// Metrics tracks router-observable counters used by the preview/record
// pipelines and surfaced through status reports.
type Metrics struct {
	PreviewDropped     uint64
	RecordBackpressure uint64
	IngressFrames      uint64
}

// Router owns the single consumer task for one camera's frame stream and
// fans frames out to a preview queue (drop-oldest) and a record queue
// (wait-for-space unless record is disabled).
type Router struct {
	cameraID capture.CameraId
	logger   *logging.Logger

	previewQueue chan *capture.Frame
	recordQueue  chan *capture.Frame

	previewEnabled int32 // atomic bool
	recordEnabled  int32 // atomic bool

	wake chan struct{}

	mu      sync.Mutex
	metrics Metrics

	stopped chan struct{}
}

// Attach constructs a Router for the given camera with the requested
// queue sizes and initial enable flags, but does not start consuming.
func Attach(cameraID capture.CameraId, previewQueueSize, recordQueueSize int, previewEnabled, recordEnabled bool, logger *logging.Logger) *Router {
	r := &Router{
		cameraID:     cameraID,
		logger:       logger,
		previewQueue: make(chan *capture.Frame, previewQueueSize),
		recordQueue:  make(chan *capture.Frame, recordQueueSize),
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	if previewEnabled {
		atomic.StoreInt32(&r.previewEnabled, 1)
	}
	if recordEnabled {
		atomic.StoreInt32(&r.recordEnabled, 1)
	}
	return r
}

// PreviewQueue exposes the preview sink for the Preview Pipeline.
func (r *Router) PreviewQueue() <-chan *capture.Frame { return r.previewQueue }

// RecordQueue exposes the record sink for the Record Pipeline.
func (r *Router) RecordQueue() <-chan *capture.Frame { return r.recordQueue }

// SetPreviewEnabled toggles preview gating and wakes the consumer if it
// was suspended waiting for at least one sink to be active.
func (r *Router) SetPreviewEnabled(enabled bool) {
	r.setFlag(&r.previewEnabled, enabled)
}

// SetRecordEnabled toggles record gating. Disabling drains the record
// queue so a stalled record consumer never blocks subsequent frames once
// recording has stopped.
func (r *Router) SetRecordEnabled(enabled bool) {
	r.setFlag(&r.recordEnabled, enabled)
	if !enabled {
		r.drainRecordQueue()
	}
}

func (r *Router) setFlag(flag *int32, enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(flag, v)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) drainRecordQueue() {
	for {
		select {
		case <-r.recordQueue:
		default:
			return
		}
	}
}

func (r *Router) anyEnabled() bool {
	return atomic.LoadInt32(&r.previewEnabled) == 1 || atomic.LoadInt32(&r.recordEnabled) == 1
}

// Run is the router's single consumer task. It reads frames from src
// until ctx is cancelled or src closes, fanning each frame out according
// to the coalescing/blocking policy, then enqueues a terminal sentinel
// (nil) into both queues so downstream consumers exit cleanly.
func (r *Router) Run(ctx context.Context, src <-chan capture.Frame) {
	defer func() {
		r.previewQueue <- nil
		r.recordQueue <- nil
		close(r.stopped)
	}()

	for {
		if !r.anyEnabled() {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src:
			if !ok {
				if r.logger != nil {
					r.logger.WithFields(logging.Fields{"camera": r.cameraID.Key()}).Warn("capture source closed, stopping router")
				}
				return
			}
			r.fanOut(ctx, frame)
		}
	}
}

func (r *Router) fanOut(ctx context.Context, frame capture.Frame) {
	r.mu.Lock()
	r.metrics.IngressFrames++
	r.mu.Unlock()

	f := frame
	if atomic.LoadInt32(&r.previewEnabled) == 1 {
		r.enqueueCoalescing(&f)
	}
	if atomic.LoadInt32(&r.recordEnabled) == 1 {
		r.enqueueBlocking(ctx, &f)
	}
}

// enqueueCoalescing implements the preview path: on enqueue-full, drop
// the oldest queued item and retry once; if still full, drop the new
// item instead. Each dropped frame counts in PreviewDropped.
func (r *Router) enqueueCoalescing(f *capture.Frame) {
	select {
	case r.previewQueue <- f:
		return
	default:
	}

	select {
	case <-r.previewQueue:
		r.mu.Lock()
		r.metrics.PreviewDropped++
		r.mu.Unlock()
	default:
	}

	select {
	case r.previewQueue <- f:
	default:
		r.mu.Lock()
		r.metrics.PreviewDropped++
		r.mu.Unlock()
	}
}

// enqueueBlocking implements the record path: await space, counting
// backpressure occurrences whenever the immediate send would have
// blocked.
func (r *Router) enqueueBlocking(ctx context.Context, f *capture.Frame) {
	select {
	case r.recordQueue <- f:
		return
	default:
	}

	r.mu.Lock()
	r.metrics.RecordBackpressure++
	r.mu.Unlock()

	select {
	case r.recordQueue <- f:
	case <-ctx.Done():
	}
}

// EndRecordSegment enqueues a terminal sentinel into the record queue
// only, ending the current record pipeline's Run loop without affecting
// the preview side or the capture stream itself. Call after
// SetRecordEnabled(false); used by the Camera Runtime to end one trial
// while leaving the camera open for the next.
func (r *Router) EndRecordSegment() {
	for {
		select {
		case r.recordQueue <- nil:
			return
		case <-time.After(100 * time.Millisecond):
			r.drainRecordQueue()
		}
	}
}

// Metrics returns a snapshot of router counters.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Done reports router task completion (sentinels already enqueued).
// Teardown itself is driven by cancelling the context passed to Run or
// stopping the capture handle feeding src.
func (r *Router) Done() <-chan struct{} { return r.stopped }

// ReadRate computes frames/sec from a frame count over an interval,
// used by the ingress FPS counter.
func ReadRate(count uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}
