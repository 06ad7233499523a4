package capture

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModes() []CapabilityMode {
	return []CapabilityMode{
		{Width: 1280, Height: 720, FPS: 30, PixelFormat: "mjpeg"},
		{Width: 640, Height: 480, FPS: 30, PixelFormat: "mjpeg"},
	}
}

func TestCapCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	now := time.Now()

	c := NewCapCache(path, time.Hour)
	probed := NormalizeCapabilities(testModes(), now)
	require.NoError(t, c.Put("usb:1-2", &probed))

	// A fresh instance reads the persisted file.
	c2 := NewCapCache(path, time.Hour)
	got, ok := c2.Get("usb:1-2", now)
	require.True(t, ok)
	assert.Equal(t, SourceCache, got.Source)
	assert.Equal(t, probed.TimestampMs, got.TimestampMs)
	assert.Equal(t, probed.Modes, got.Modes)
	assert.Equal(t, probed.DefaultRecordMode, got.DefaultRecordMode)
}

func TestCapCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	now := time.Now()

	c := NewCapCache(path, time.Minute)
	probed := NormalizeCapabilities(testModes(), now)
	require.NoError(t, c.Put("usb:1-2", &probed))

	_, ok := c.Get("usb:1-2", now.Add(2*time.Minute))
	assert.False(t, ok, "stale entries are ignored")
}

func TestCapCacheMissingFileStartsEmpty(t *testing.T) {
	c := NewCapCache(filepath.Join(t.TempDir(), "absent.yaml"), time.Hour)
	_, ok := c.Get("usb:1-2", time.Now())
	assert.False(t, ok)
}

func TestCapCacheUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	c := NewCapCache(path, time.Hour)
	probed := NormalizeCapabilities(testModes(), time.Now())
	require.NoError(t, c.Put("usb:1-2", &probed))

	_, ok := c.Get("csi:0", time.Now())
	assert.False(t, ok)
}
