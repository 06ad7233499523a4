package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/record"
	"github.com/labrecorder/capturesvc/internal/session"
)

// fakeHandle emits frames on a ticker until Stop or context cancellation.
type fakeHandle struct {
	mode  capture.CapabilityMode
	once  sync.Once
	stopC chan struct{}
}

func newFakeHandle(mode capture.CapabilityMode) *fakeHandle {
	return &fakeHandle{mode: mode, stopC: make(chan struct{})}
}

func (h *fakeHandle) Frames(ctx context.Context) <-chan capture.Frame {
	out := make(chan capture.Frame, 2)
	go func() {
		defer close(out)
		var n uint64
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopC:
				return
			case <-ticker.C:
				n++
				select {
				case out <- capture.Frame{
					Data:         make([]byte, h.mode.Width*h.mode.Height*3),
					FrameNumber:  n,
					MonotonicNs:  time.Now().UnixNano(),
					WallTimeUnix: float64(time.Now().UnixNano()) / float64(time.Second),
					ColorFormat:  capture.ColorRGB,
					Width:        h.mode.Width,
					Height:       h.mode.Height,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (h *fakeHandle) Stop() {
	h.once.Do(func() { close(h.stopC) })
}

// fakeBackend is a capture.DeviceBackend double with one fixed camera.
type fakeBackend struct {
	id    capture.CameraId
	modes []capture.CapabilityMode
}

func (b *fakeBackend) Discover(ctx context.Context) ([]capture.CameraId, error) {
	return []capture.CameraId{b.id}, nil
}

func (b *fakeBackend) Probe(ctx context.Context, location string) (*capture.Capabilities, error) {
	caps := capture.NormalizeCapabilities(b.modes, time.Now())
	return &caps, nil
}

func (b *fakeBackend) Open(ctx context.Context, location string, mode capture.CapabilityMode) (capture.Handle, error) {
	return newFakeHandle(mode), nil
}

// fakeEncoder is a record.Encoder double writing a raw frame count file
// instead of invoking ffmpeg.
type fakeEncoder struct{}

type fakeEncoderHandle struct {
	mu    sync.Mutex
	count int
}

func (f *fakeEncoder) Start(cameraID capture.CameraId, videoPath string, selection capture.ModeSelection) (record.EncoderHandle, error) {
	if err := os.MkdirAll(filepath.Dir(videoPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(videoPath, nil, 0o644); err != nil {
		return nil, err
	}
	return &fakeEncoderHandle{}, nil
}

func (h *fakeEncoderHandle) Enqueue(data []byte, wallTime float64, ptsSourceNs int64, format capture.ColorFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return nil
}

func (h *fakeEncoderHandle) Stop(metadataPath string) error {
	return os.WriteFile(metadataPath, []byte("{}"), 0o644)
}

// fakeSink counts delivered preview frames.
type fakeSink struct {
	mu    sync.Mutex
	count int
}

func (s *fakeSink) OnFrame(camera capture.CameraId, frame *capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *fakeSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func testModes() []capture.CapabilityMode {
	return []capture.CapabilityMode{
		{Width: 1280, Height: 720, FPS: 30, PixelFormat: "yuyv"},
		{Width: 640, Height: 480, FPS: 30, PixelFormat: "yuyv"},
	}
}

func newTestRuntime(t *testing.T) (*Runtime, capture.CameraId) {
	t.Helper()
	id := capture.CameraId{Backend: capture.BackendUSB, StableID: "1-1", DevPath: "/dev/video0"}
	backend := &fakeBackend{id: id, modes: testModes()}
	root := suture.NewSimple("test-root")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = root.Serve(ctx) }()

	rt := New(root, map[capture.Backend]capture.DeviceBackend{capture.BackendUSB: backend}, &fakeEncoder{}, &fakeSink{}, 2, 4, nil)
	return rt, id
}

func TestRuntimeEnsureCameraIsIdempotent(t *testing.T) {
	rt, id := newTestRuntime(t)
	require.NoError(t, rt.EnsureCamera(context.Background(), id))
	require.NoError(t, rt.EnsureCamera(context.Background(), id))

	status := rt.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "ready", status[0].Phase)
}

func TestRuntimeStartAndStopTrial(t *testing.T) {
	rt, id := newTestRuntime(t)
	require.NoError(t, rt.EnsureCamera(context.Background(), id))

	dir := t.TempDir()
	paths, err := session.CreateSessionDir(dir, "exp", true, time.Now(), nil)
	require.NoError(t, err)

	errs := rt.StartTrial(paths, 1)
	assert.Empty(t, errs)

	status := rt.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Recording)

	time.Sleep(20 * time.Millisecond)

	stopErrs := rt.StopTrial()
	assert.Empty(t, stopErrs)

	status = rt.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Recording)
}

func TestRuntimeTeardownCamera(t *testing.T) {
	rt, id := newTestRuntime(t)
	require.NoError(t, rt.EnsureCamera(context.Background(), id))
	require.NoError(t, rt.TeardownCamera(id.Key()))
	assert.Empty(t, rt.Status())
}

func TestParsePreviewFPSPercentForm(t *testing.T) {
	fps, keepEvery, err := parsePreviewFPS("10%")
	require.NoError(t, err)
	require.NotNil(t, keepEvery)
	assert.Equal(t, 10, *keepEvery)
	assert.Equal(t, 0.0, fps)
}

func TestParsePreviewFPSPlainForm(t *testing.T) {
	fps, keepEvery, err := parsePreviewFPS("15")
	require.NoError(t, err)
	assert.Nil(t, keepEvery)
	assert.Equal(t, 15.0, fps)
}

func TestParseResolution(t *testing.T) {
	w, h, err := parseResolution("1280x720")
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	_, _, err = parseResolution("bogus")
	assert.Error(t, err)
}
