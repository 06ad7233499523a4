package backend

import (
	"context"
	"testing"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSIBackendDiscoverReturnsSensorCount(t *testing.T) {
	b := NewCSIBackend(2, nil)
	ids, err := b.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "csi0", ids[0].StableID)
	assert.Equal(t, "csi1", ids[1].StableID)
}

func TestCSIBackendProbeReturnsNormalizedModes(t *testing.T) {
	b := NewCSIBackend(1, nil)
	caps, err := b.Probe(context.Background(), "csi0")
	require.NoError(t, err)
	assert.NotZero(t, caps.DefaultRecordMode.Width)
	assert.NotEmpty(t, caps.Modes)
}

func TestCSIBackendOpenEmitsFrames(t *testing.T) {
	b := NewCSIBackend(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	mode := capture.CapabilityMode{Width: 64, Height: 48, FPS: 60, PixelFormat: "yuv420"}
	handle, err := b.Open(ctx, "csi0", mode)
	require.NoError(t, err)
	defer handle.Stop()

	select {
	case f, ok := <-handle.Frames(ctx):
		require.True(t, ok)
		assert.NotNil(t, f.Data)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timed out waiting for first frame")
	}
}
