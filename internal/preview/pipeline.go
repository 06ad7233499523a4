// Package preview implements fps-capped, decimation-aware consumption
// of the router's coalescing queue, driving an external UI sink.
package preview

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// Sink receives decimated preview frames. A panicking implementation is
// recovered and logged; it never takes the pipeline down.
type Sink interface {
	OnFrame(camera capture.CameraId, frame *capture.Frame)
}

// NopSink discards every frame; used in slave mode where no viewer
// surface exists.
type NopSink struct{}

func (NopSink) OnFrame(capture.CameraId, *capture.Frame) {}

// Metrics exposes the preview's emitted and dropped frame counters.
type Metrics struct {
	Emitted uint64
	Dropped uint64
}

// Pipeline pulls from a preview queue and forwards decimated frames to a
// Sink, honoring TargetFPS and KeepEvery set on the current ModeSelection.
type Pipeline struct {
	cameraID capture.CameraId
	sink     Sink
	logger   *logging.Logger

	mu        sync.Mutex
	selection capture.ModeSelection
	lastEmit  time.Time
	emitCount uint64

	emitted uint64 // atomic
	dropped uint64 // atomic

	done chan struct{}
}

// New constructs a Pipeline for one camera's preview queue.
func New(cameraID capture.CameraId, sink Sink, selection capture.ModeSelection, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		cameraID:  cameraID,
		sink:      sink,
		selection: selection,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// SetTargetFPS updates the minimum inter-frame interval without restart.
func (p *Pipeline) SetTargetFPS(fps *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selection.TargetFPS = fps
}

// SetKeepEvery updates the decimation stride without restart.
func (p *Pipeline) SetKeepEvery(n *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selection.KeepEvery = n
}

// Metrics returns a snapshot of emitted/dropped counters.
func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		Emitted: atomic.LoadUint64(&p.emitted),
		Dropped: atomic.LoadUint64(&p.dropped),
	}
}

// Run consumes queue until a sentinel (nil) arrives or the channel closes.
func (p *Pipeline) Run(queue <-chan *capture.Frame) {
	defer close(p.done)
	for frame := range queue {
		if frame == nil {
			return
		}
		p.process(frame)
	}
}

// Done reports pipeline task completion.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) process(frame *capture.Frame) {
	p.mu.Lock()
	p.emitCount++
	count := p.emitCount
	keepEvery := p.selection.KeepEvery
	targetFPS := p.selection.TargetFPS
	lastEmit := p.lastEmit
	p.mu.Unlock()

	if keepEvery != nil && *keepEvery > 1 && (count-1)%uint64(*keepEvery) != 0 {
		atomic.AddUint64(&p.dropped, 1)
		return
	}

	if targetFPS != nil && *targetFPS > 0 {
		minInterval := time.Duration(float64(time.Second) / *targetFPS)
		if !lastEmit.IsZero() && time.Since(lastEmit) < minInterval {
			atomic.AddUint64(&p.dropped, 1)
			return
		}
	}

	p.mu.Lock()
	p.lastEmit = time.Now()
	p.mu.Unlock()

	p.callSink(frame)
	atomic.AddUint64(&p.emitted, 1)
}

func (p *Pipeline) callSink(frame *capture.Frame) {
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.WithFields(logging.Fields{
				"camera": p.cameraID.Key(),
				"panic":  r,
			}).Error("preview sink panicked, frame dropped")
		}
	}()
	p.sink.OnFrame(p.cameraID, frame)
}
