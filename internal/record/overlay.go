package record

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"

	"github.com/labrecorder/capturesvc/internal/capture"
)

// drawOverlay burns an ISO-timestamp and frame counter into the
// top-left corner of frame's pixel buffer, in place, using gocv's
// PutText.
func drawOverlay(frame *capture.Frame, wallTime time.Time) error {
	if frame.Width == 0 || frame.Height == 0 {
		return fmt.Errorf("overlay: frame has zero dimensions")
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return fmt.Errorf("overlay: wrap frame: %w", err)
	}
	defer mat.Close()

	text := fmt.Sprintf("%s #%d", wallTime.UTC().Format(time.RFC3339Nano), frame.FrameNumber)
	gocv.PutText(&mat, text, image.Pt(8, 20), gocv.FontHersheySimplex, 0.5,
		color.RGBA{R: 255, G: 255, B: 255, A: 0}, 1)

	out := mat.ToBytes()
	copy(frame.Data, out)
	return nil
}
