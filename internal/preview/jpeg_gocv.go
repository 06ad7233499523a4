package preview

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/labrecorder/capturesvc/internal/capture"
)

// JPEGEncoder returns a FrameEncoder compressing BGR frame buffers to
// JPEG at the given quality (1..100), using the same gocv binding the
// USB capture backend and record overlay already depend on.
func JPEGEncoder(quality int) FrameEncoder {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	params := []int{gocv.IMWriteJpegQuality, quality}

	return func(frame *capture.Frame) ([]byte, error) {
		if frame.Width == 0 || frame.Height == 0 {
			return nil, fmt.Errorf("preview: frame has zero dimensions")
		}
		mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
		if err != nil {
			return nil, fmt.Errorf("preview: wrap frame: %w", err)
		}
		defer mat.Close()

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, params)
		if err != nil {
			return nil, fmt.Errorf("preview: jpeg encode: %w", err)
		}
		defer buf.Close()

		out := make([]byte, len(buf.GetBytes()))
		copy(out, buf.GetBytes())
		return out, nil
	}
}
