package preview

import (
	"sync"
	"testing"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []uint64
}

func (s *recordingSink) OnFrame(_ capture.CameraId, f *capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f.FrameNumber)
}

type panickingSink struct{}

func (panickingSink) OnFrame(capture.CameraId, *capture.Frame) {
	panic("sink exploded")
}

func TestPipelineKeepEveryDecimates(t *testing.T) {
	sink := &recordingSink{}
	n := 3
	sel := capture.ModeSelection{KeepEvery: &n}
	p := New(capture.CameraId{}, sink, sel, nil)

	queue := make(chan *capture.Frame, 10)
	for i := uint64(0); i < 9; i++ {
		f := capture.Frame{FrameNumber: i}
		queue <- &f
	}
	close(queue)
	p.Run(queue)

	assert.Equal(t, []uint64{0, 3, 6}, sink.frames)
	assert.Equal(t, uint64(3), p.Metrics().Emitted)
	assert.Equal(t, uint64(6), p.Metrics().Dropped)
}

func TestPipelineSentinelStopsConsumer(t *testing.T) {
	sink := &recordingSink{}
	p := New(capture.CameraId{}, sink, capture.ModeSelection{}, nil)

	queue := make(chan *capture.Frame, 2)
	f := capture.Frame{FrameNumber: 1}
	queue <- &f
	queue <- nil

	p.Run(queue)
	assert.Equal(t, []uint64{1}, sink.frames)
}

func TestPipelineRecoversFromSinkPanic(t *testing.T) {
	p := New(capture.CameraId{}, panickingSink{}, capture.ModeSelection{}, nil)
	queue := make(chan *capture.Frame, 1)
	f := capture.Frame{FrameNumber: 1}
	queue <- &f
	close(queue)

	assert.NotPanics(t, func() { p.Run(queue) })
}
