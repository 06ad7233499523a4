// Package capture defines the camera data model (identifiers,
// capability modes, frames) and the backend abstraction that presents a
// uniform async frame source over heterogeneous device families, with
// concrete CSI/USB implementations in capture/backend.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Backend tags which device family a CameraId belongs to.
type Backend string

const (
	BackendUSB Backend = "usb"
	BackendCSI Backend = "csi"
)

// CameraId is the tagged camera identifier. Key format is
// "{backend}:{stable_id}", stable across replug when the stable id is
// derived from the USB bus/port path or the CSI sensor index.
type CameraId struct {
	Backend      Backend
	StableID     string
	DevPath      string
	FriendlyName string
}

// Key returns the canonical map key for this camera.
func (c CameraId) Key() string {
	return fmt.Sprintf("%s:%s", c.Backend, c.StableID)
}

// CapabilityMode is one immutable, probed video mode.
type CapabilityMode struct {
	Width       int
	Height      int
	FPS         float64
	PixelFormat string
	Controls    map[string]string `yaml:",omitempty"`
}

// AspectRatio returns width/height, or 0 if height is 0.
func (m CapabilityMode) AspectRatio() float64 {
	if m.Height == 0 {
		return 0
	}
	return float64(m.Width) / float64(m.Height)
}

// CapabilitySource records whether modes came from a live probe or cache.
type CapabilitySource string

const (
	SourceProbe CapabilitySource = "probe"
	SourceCache CapabilitySource = "cache"
)

// Capabilities is the deduped, policy-annotated mode set for one camera.
type Capabilities struct {
	Modes              []CapabilityMode
	Source             CapabilitySource
	TimestampMs        int64
	DefaultPreviewMode CapabilityMode
	DefaultRecordMode  CapabilityMode
}

// NormalizeCapabilities drops modes with fps < 5, dedupes identical
// modes, and picks defaults: preview prefers area <= 640x480, closest
// aspect to the record mode, fps >= 15; record is the highest-area 16:9
// mode with fps capped at 30.
func NormalizeCapabilities(modes []CapabilityMode, now time.Time) Capabilities {
	deduped := make([]CapabilityMode, 0, len(modes))
	seen := map[string]bool{}
	for _, m := range modes {
		if m.FPS < 5 {
			continue
		}
		key := fmt.Sprintf("%dx%d@%.2f:%s", m.Width, m.Height, m.FPS, m.PixelFormat)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, m)
	}

	record := pickRecordMode(deduped)
	preview := pickPreviewMode(deduped, record)

	return Capabilities{
		Modes:              deduped,
		Source:             SourceProbe,
		TimestampMs:        now.UnixMilli(),
		DefaultPreviewMode: preview,
		DefaultRecordMode:  record,
	}
}

func pickRecordMode(modes []CapabilityMode) CapabilityMode {
	var best CapabilityMode
	bestArea := -1
	for _, m := range modes {
		fps := m.FPS
		if fps > 30 {
			fps = 30
		}
		area := m.Width * m.Height
		is169 := isAspect(m, 16.0/9.0)
		if is169 && area > bestArea {
			bestArea = area
			best = m
			best.FPS = fps
		}
	}
	if bestArea < 0 {
		// No 16:9 mode: fall back to the largest area overall.
		for _, m := range modes {
			area := m.Width * m.Height
			if area > bestArea {
				bestArea = area
				best = m
				if best.FPS > 30 {
					best.FPS = 30
				}
			}
		}
	}
	return best
}

func pickPreviewMode(modes []CapabilityMode, record CapabilityMode) CapabilityMode {
	var best CapabilityMode
	bestScore := -1.0
	found := false
	for _, m := range modes {
		if m.Width*m.Height > 640*480 {
			continue
		}
		if m.FPS < 15 {
			continue
		}
		aspectDelta := recordAspectDelta(m, record)
		score := 1.0 / (1.0 + aspectDelta)
		if score > bestScore {
			bestScore = score
			best = m
			found = true
		}
	}
	if !found && len(modes) > 0 {
		best = modes[0]
	}
	return best
}

func recordAspectDelta(m, record CapabilityMode) float64 {
	if record.Height == 0 {
		return 0
	}
	d := m.AspectRatio() - record.AspectRatio()
	if d < 0 {
		d = -d
	}
	return d
}

func isAspect(m CapabilityMode, target float64) bool {
	const tolerance = 0.05
	d := m.AspectRatio() - target
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// ModeSelection augments a capability mode with consumer-specific
// decimation and processing parameters.
type ModeSelection struct {
	Mode         CapabilityMode
	TargetFPS    *float64
	KeepEvery    *int
	Overlay      bool
	ColorConvert bool
}

// SelectedConfigs bundles the preview and record selections plus the
// storage profile name used for output path/format decisions.
type SelectedConfigs struct {
	Preview        ModeSelection
	Record         ModeSelection
	StorageProfile string
}

// ColorFormat names the pixel layout of a Frame's buffer.
type ColorFormat string

const (
	ColorBGR ColorFormat = "bgr"
	ColorRGB ColorFormat = "rgb"
)

// Frame is one captured image plus timing metadata. Owned by the
// producer until enqueued into a router queue, then logically moved:
// callers must not retain a Frame after handing it to Router.Enqueue.
type Frame struct {
	Data              []byte
	FrameNumber       uint64
	MonotonicNs       int64
	SensorTimestampNs int64 // 0 means absent
	WallTimeUnix      float64
	WaitMs            float32
	ColorFormat       ColorFormat
	Width             int
	Height            int
	StorageQueueDrops uint32
}

// Handle is an open capture stream for one camera. Stop is idempotent
// and safe to call from any goroutine.
type Handle interface {
	Frames(ctx context.Context) <-chan Frame
	Stop()
}

// DeviceBackend presents a uniform async frame source over a device family.
type DeviceBackend interface {
	Probe(ctx context.Context, location string) (*Capabilities, error)
	Open(ctx context.Context, location string, mode CapabilityMode) (Handle, error)
	Discover(ctx context.Context) ([]CameraId, error)
}
