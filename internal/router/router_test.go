package router

import (
	"context"
	"testing"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCameraID() capture.CameraId {
	return capture.CameraId{Backend: capture.BackendUSB, StableID: "1-1"}
}

func TestRouterFanOutBothEnabled(t *testing.T) {
	r := Attach(testCameraID(), 2, 2, true, true, nil)
	src := make(chan capture.Frame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx, src)

	src <- capture.Frame{FrameNumber: 1}
	src <- capture.Frame{FrameNumber: 2}

	f1 := <-r.PreviewQueue()
	require.NotNil(t, f1)
	assert.Equal(t, uint64(1), f1.FrameNumber)

	f2 := <-r.RecordQueue()
	require.NotNil(t, f2)
	assert.Equal(t, uint64(1), f2.FrameNumber)
}

func TestRouterPreviewCoalescesOnFull(t *testing.T) {
	r := Attach(testCameraID(), 1, 1, true, false, nil)
	src := make(chan capture.Frame)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, src)

	src <- capture.Frame{FrameNumber: 1}
	time.Sleep(10 * time.Millisecond) // let it land in the size-1 buffer
	src <- capture.Frame{FrameNumber: 2}
	time.Sleep(10 * time.Millisecond)

	f := <-r.PreviewQueue()
	require.NotNil(t, f)
	assert.Equal(t, uint64(2), f.FrameNumber, "oldest frame should have been dropped in favor of the newest")
	assert.Equal(t, uint64(1), r.Metrics().PreviewDropped)
}

func TestRouterRecordDisabledDrainsQueue(t *testing.T) {
	r := Attach(testCameraID(), 2, 2, false, true, nil)
	src := make(chan capture.Frame, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, src)

	src <- capture.Frame{FrameNumber: 1}
	time.Sleep(10 * time.Millisecond)

	r.SetRecordEnabled(false)
	time.Sleep(10 * time.Millisecond)

	select {
	case f := <-r.RecordQueue():
		t.Fatalf("expected drained record queue, got %v", f)
	default:
	}
}

func TestRouterSuspendsWhenBothDisabled(t *testing.T) {
	r := Attach(testCameraID(), 2, 2, false, false, nil)
	src := make(chan capture.Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, src)

	src <- capture.Frame{FrameNumber: 1}
	time.Sleep(10 * time.Millisecond)

	select {
	case f := <-r.PreviewQueue():
		t.Fatalf("router should not have pulled from source while suspended, got %v", f)
	default:
	}
}

func TestRouterSentinelOnSourceClose(t *testing.T) {
	r := Attach(testCameraID(), 2, 2, true, true, nil)
	src := make(chan capture.Frame)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, src)

	close(src)

	select {
	case f := <-r.PreviewQueue():
		assert.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for preview sentinel")
	}
	select {
	case f := <-r.RecordQueue():
		assert.Nil(t, f)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record sentinel")
	}
}
