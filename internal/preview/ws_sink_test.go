package preview

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrecorder/capturesvc/internal/capture"
)

func passthroughEncoder(frame *capture.Frame) ([]byte, error) {
	return frame.Data, nil
}

func testFrame(n uint64) *capture.Frame {
	return &capture.Frame{
		Data:        []byte{1, 2, 3},
		FrameNumber: n,
		Width:       1,
		Height:      1,
		ColorFormat: capture.ColorBGR,
	}
}

func dialSink(t *testing.T, sink *WSSink) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(sink.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return sink.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestWSSinkDeliversHeaderAndPayload(t *testing.T) {
	sink := NewWSSink(100, passthroughEncoder, nil)
	conn := dialSink(t, sink)

	cam := capture.CameraId{Backend: capture.BackendUSB, StableID: "1-2"}
	sink.OnFrame(cam, testFrame(42))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	idx := bytes.IndexByte(msg, '\n')
	require.Greater(t, idx, 0)

	var header frameHeader
	require.NoError(t, json.Unmarshal(msg[:idx], &header))
	assert.Equal(t, "usb:1-2", header.Camera)
	assert.Equal(t, uint64(42), header.FrameNumber)
	assert.Equal(t, []byte{1, 2, 3}, msg[idx+1:])
}

func TestWSSinkRateLimitsPerViewer(t *testing.T) {
	sink := NewWSSink(5, passthroughEncoder, nil)
	conn := dialSink(t, sink)

	cam := capture.CameraId{Backend: capture.BackendUSB, StableID: "1-2"}
	// A burst far above the limit: only the admitted frames arrive.
	for i := 0; i < 50; i++ {
		sink.OnFrame(cam, testFrame(uint64(i)))
	}

	received := 0
	for {
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
	}
	assert.LessOrEqual(t, received, 3, "burst must be decimated to the limiter's budget")
	assert.GreaterOrEqual(t, received, 1)
}

func TestWSSinkNoViewersIsCheap(t *testing.T) {
	encoded := 0
	sink := NewWSSink(10, func(frame *capture.Frame) ([]byte, error) {
		encoded++
		return frame.Data, nil
	}, nil)

	sink.OnFrame(capture.CameraId{Backend: capture.BackendUSB, StableID: "x"}, testFrame(1))
	assert.Zero(t, encoded, "no encode work without attached viewers")
}

func TestWSSinkCloseDetachesViewers(t *testing.T) {
	sink := NewWSSink(10, passthroughEncoder, nil)
	_ = dialSink(t, sink)

	sink.Close()
	assert.Zero(t, sink.ViewerCount())
}
