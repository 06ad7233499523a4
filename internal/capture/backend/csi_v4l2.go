package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// CSIBackend simulates a sensor-index CSI camera family: this build
// target has no CSI hardware, so frames are synthesized at the
// requested mode instead of read from /dev/video*. Probes are
// semaphore-gated and each open runs one dedicated pump goroutine, so a
// later hardware-backed CSI driver can drop in behind the same
// DeviceBackend contract without touching callers.
type CSIBackend struct {
	logger    *logging.Logger
	sensors   int
	semaphore chan struct{}
}

// NewCSIBackend constructs a simulated CSI backend exposing sensorCount
// indices (csi0..csiN-1).
func NewCSIBackend(sensorCount int, logger *logging.Logger) *CSIBackend {
	if sensorCount <= 0 {
		sensorCount = 1
	}
	return &CSIBackend{
		logger:    logger,
		sensors:   sensorCount,
		semaphore: make(chan struct{}, 4),
	}
}

func (b *CSIBackend) Discover(ctx context.Context) ([]capture.CameraId, error) {
	ids := make([]capture.CameraId, 0, b.sensors)
	for i := 0; i < b.sensors; i++ {
		ids = append(ids, capture.CameraId{
			Backend:      capture.BackendCSI,
			StableID:     fmt.Sprintf("csi%d", i),
			DevPath:      fmt.Sprintf("csi%d", i),
			FriendlyName: fmt.Sprintf("CSI sensor %d", i),
		})
	}
	return ids, nil
}

func (b *CSIBackend) Probe(ctx context.Context, location string) (*capture.Capabilities, error) {
	select {
	case b.semaphore <- struct{}{}:
		defer func() { <-b.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	modes := []capture.CapabilityMode{
		{Width: 1920, Height: 1080, FPS: 30, PixelFormat: "yuv420"},
		{Width: 1280, Height: 720, FPS: 60, PixelFormat: "yuv420"},
		{Width: 640, Height: 480, FPS: 90, PixelFormat: "yuv420"},
	}
	c := capture.NormalizeCapabilities(modes, time.Now())
	return &c, nil
}

func (b *CSIBackend) Open(ctx context.Context, location string, mode capture.CapabilityMode) (capture.Handle, error) {
	h := &csiHandle{
		mode:   mode,
		out:    make(chan capture.Frame, 2),
		stop:   make(chan struct{}),
		logger: b.logger,
	}
	go h.pump(ctx)
	return h, nil
}

type csiHandle struct {
	mode   capture.CapabilityMode
	out    chan capture.Frame
	logger *logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	frameNum uint64
	drops    uint32
}

func (h *csiHandle) pump(ctx context.Context) {
	defer close(h.out)

	interval := time.Second
	if h.mode.FPS > 0 {
		interval = time.Duration(float64(time.Second) / h.mode.FPS)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	frameSize := h.mode.Width * h.mode.Height * 3 / 2 // yuv420 plane size

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			mono := time.Since(start)
			frame := capture.Frame{
				Data:              make([]byte, frameSize),
				FrameNumber:       h.frameNum,
				MonotonicNs:       mono.Nanoseconds(),
				SensorTimestampNs: mono.Nanoseconds(),
				WallTimeUnix:      float64(time.Now().UnixNano()) / float64(time.Second),
				ColorFormat:       capture.ColorBGR,
				Width:             h.mode.Width,
				Height:            h.mode.Height,
				StorageQueueDrops: h.drops,
			}
			h.frameNum++

			// Bounded hand-off channel, drop-oldest on overflow: the
			// consumer always sees the freshest frames and the pump never
			// stalls behind a slow router.
			select {
			case h.out <- frame:
			default:
				select {
				case <-h.out:
					h.drops++
				default:
				}
				select {
				case h.out <- frame:
				case <-ctx.Done():
					return
				case <-h.stop:
					return
				}
			}
		}
	}
}

func (h *csiHandle) Frames(ctx context.Context) <-chan capture.Frame { return h.out }

func (h *csiHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
