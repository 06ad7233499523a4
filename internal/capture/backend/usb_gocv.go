// Package backend implements the two concrete DeviceBackend variants:
// a USB/UVC backend over gocv.io/x/gocv and a simulated CSI
// sensor-index backend.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

const fourccMJPEG = 0x47504A4D

// USBBackend opens webcams through gocv's V4L2 VideoCapture, covering
// the probe/open/discover contract DeviceBackend requires with a
// continuous frame-pump Handle per open device.
type USBBackend struct {
	logger *logging.Logger
}

// NewUSBBackend constructs a USB capture backend.
func NewUSBBackend(logger *logging.Logger) *USBBackend {
	return &USBBackend{logger: logger}
}

func deviceIndex(location string) (int, error) {
	s := strings.TrimPrefix(location, "/dev/video")
	return strconv.Atoi(s)
}

// Discover enumerates /dev/video0..9, resolving each openable node to
// its USB root via sysfs so multiplexed interface nodes of one physical
// camera collapse into a single entry. The stable ID is the sysfs
// bus-port name ("1-1.3"), which survives replug into the same port;
// nodes with no resolvable USB root fall back to the device path.
func (b *USBBackend) Discover(ctx context.Context) ([]capture.CameraId, error) {
	var ids []capture.CameraId
	seenRoots := map[string]bool{}
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return ids, ctx.Err()
		default:
		}
		path := fmt.Sprintf("/dev/video%d", i)
		cap, err := gocv.OpenVideoCaptureWithAPI(i, gocv.VideoCaptureV4L2)
		if err != nil {
			continue
		}
		opened := cap.IsOpened()
		cap.Close()
		if !opened {
			continue
		}

		stableID := path
		if root := usbRootOf(i); root != "" {
			if seenRoots[root] {
				continue
			}
			seenRoots[root] = true
			stableID = root
		}
		ids = append(ids, capture.CameraId{
			Backend:      capture.BackendUSB,
			StableID:     stableID,
			DevPath:      path,
			FriendlyName: path,
		})
	}
	return ids, nil
}

// usbRootOf follows /sys/class/video4linux/videoN/device up the sysfs
// tree to the first ancestor that is a USB device (has idVendor) on a
// usb bus path, returning its bus-port name, or "" if none resolves.
func usbRootOf(index int) string {
	p, err := filepath.EvalSymlinks(fmt.Sprintf("/sys/class/video4linux/video%d/device", index))
	if err != nil {
		return ""
	}
	for ; p != "/" && p != "."; p = filepath.Dir(p) {
		if !strings.Contains(p, "usb") {
			continue
		}
		if _, err := os.Stat(filepath.Join(p, "idVendor")); err == nil {
			return filepath.Base(p)
		}
	}
	return ""
}

// Probe opens the device briefly to read back actual negotiated
// width/height/fps at a handful of candidate resolutions.
func (b *USBBackend) Probe(ctx context.Context, location string) (*capture.Capabilities, error) {
	idx, err := deviceIndex(location)
	if err != nil {
		return nil, fmt.Errorf("usb backend: %w", err)
	}

	candidates := []struct{ w, h, fps int }{
		{1920, 1080, 30}, {1280, 720, 30}, {640, 480, 30}, {640, 480, 15},
	}

	var modes []capture.CapabilityMode
	for _, c := range candidates {
		cap, err := gocv.OpenVideoCaptureWithAPI(idx, gocv.VideoCaptureV4L2)
		if err != nil {
			continue
		}
		cap.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
		cap.Set(gocv.VideoCaptureFrameWidth, float64(c.w))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(c.h))
		cap.Set(gocv.VideoCaptureFPS, float64(c.fps))

		actualW := int(cap.Get(gocv.VideoCaptureFrameWidth))
		actualH := int(cap.Get(gocv.VideoCaptureFrameHeight))
		actualFPS := cap.Get(gocv.VideoCaptureFPS)
		cap.Close()

		if actualW == 0 || actualH == 0 {
			continue
		}
		modes = append(modes, capture.CapabilityMode{
			Width: actualW, Height: actualH, FPS: actualFPS, PixelFormat: "mjpeg",
		})
	}

	if len(modes) == 0 {
		return nil, fmt.Errorf("usb backend: no usable modes for %s", location)
	}

	c := capture.NormalizeCapabilities(modes, time.Now())
	return &c, nil
}

// Open starts continuous capture at mode and returns a Handle whose
// Frames channel is fed by a dedicated reader goroutine.
func (b *USBBackend) Open(ctx context.Context, location string, mode capture.CapabilityMode) (capture.Handle, error) {
	idx, err := deviceIndex(location)
	if err != nil {
		return nil, fmt.Errorf("usb backend: %w", err)
	}

	webcam, err := gocv.OpenVideoCaptureWithAPI(idx, gocv.VideoCaptureV4L2)
	if err != nil {
		return nil, fmt.Errorf("usb backend: open %s: %w", location, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("usb backend: device %s not available", location)
	}

	webcam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
	webcam.Set(gocv.VideoCaptureFrameWidth, float64(mode.Width))
	webcam.Set(gocv.VideoCaptureFrameHeight, float64(mode.Height))
	webcam.Set(gocv.VideoCaptureFPS, float64(mode.FPS))

	h := &usbHandle{
		webcam: webcam,
		out:    make(chan capture.Frame, 2),
		logger: b.logger,
		stop:   make(chan struct{}),
	}
	go h.pump(ctx)
	return h, nil
}

type usbHandle struct {
	webcam *gocv.VideoCapture
	out    chan capture.Frame
	logger *logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	frameNum uint64
}

func (h *usbHandle) pump(ctx context.Context) {
	defer close(h.out)
	defer h.webcam.Close()

	mat := gocv.NewMat()
	defer mat.Close()
	rgbMat := gocv.NewMat()
	defer rgbMat.Close()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		default:
		}

		readStart := time.Now()
		if ok := h.webcam.Read(&mat); !ok || mat.Empty() {
			continue
		}
		gocv.CvtColor(mat, &rgbMat, gocv.ColorBGRToRGB)

		frame := capture.Frame{
			Data:              append([]byte(nil), rgbMat.ToBytes()...),
			FrameNumber:       h.frameNum,
			MonotonicNs:       time.Since(start).Nanoseconds(),
			WallTimeUnix:      float64(time.Now().UnixNano()) / float64(time.Second),
			WaitMs:            float32(time.Since(readStart).Milliseconds()),
			ColorFormat:       capture.ColorRGB,
			Width:             rgbMat.Cols(),
			Height:            rgbMat.Rows(),
		}
		h.frameNum++

		select {
		case h.out <- frame:
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		}
	}
}

func (h *usbHandle) Frames(ctx context.Context) <-chan capture.Frame { return h.out }

func (h *usbHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
