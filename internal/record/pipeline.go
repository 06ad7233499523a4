package record

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/timing"
)

// FlushIntervalFrames is the periodic durability interval: every this
// many frames the record pipeline flushes the timing CSV, and an
// FFmpegEncoder constructed with this value fsyncs its output file.
const FlushIntervalFrames = 600

// Pipeline is one camera's dedicated record writer task, owning a
// CSVLogger, a timing tracker, and an encoder handle, consuming a
// record queue until a sentinel frame arrives.
type Pipeline struct {
	cameraID     capture.CameraId
	logger       *logging.Logger
	encoder      Encoder
	csv          *CSVLogger
	tracker      *timing.Tracker
	trial        int
	selection    capture.ModeSelection
	videoPath    string
	timingPath   string
	metadataPath string

	handle     EncoderHandle
	fsyncEvery int
}

// NewPipeline constructs a Pipeline ready to Run. videoPath/timingPath/
// metadataPath come from session.ResolveTrialPaths.
func NewPipeline(cameraID capture.CameraId, encoder Encoder, trial int, selection capture.ModeSelection,
	videoPath, timingPath, metadataPath string, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		cameraID:     cameraID,
		logger:       logger,
		encoder:      encoder,
		csv:          NewCSVLogger(1, logger),
		tracker:      timing.NewTracker(),
		trial:        trial,
		selection:    selection,
		videoPath:    videoPath,
		timingPath:   timingPath,
		metadataPath: metadataPath,
		fsyncEvery:   FlushIntervalFrames,
	}
}

// Run drains queue until a nil sentinel arrives or the channel closes,
// then performs the shutdown sequence (drain encoder, stop CSV
// logger, write metadata). Errors starting the CSV file or the encoder
// abort only this camera's recording; Run returns the error and the
// caller (Camera Runtime) logs and continues with other cameras.
func (p *Pipeline) Run(queue <-chan *capture.Frame) error {
	if err := os.MkdirAll(filepath.Dir(p.timingPath), 0o755); err != nil {
		return fmt.Errorf("record pipeline: %w", err)
	}
	if err := p.csv.Start(p.timingPath); err != nil {
		return fmt.Errorf("record pipeline: csv start: %w", err)
	}

	handle, err := p.encoder.Start(p.cameraID, p.videoPath, p.selection)
	if err != nil {
		_ = p.csv.Stop()
		return fmt.Errorf("record pipeline: encoder start: %w", err)
	}
	p.handle = handle

	frameCount := 0
	var runErr error

loop:
	for frame := range queue {
		if frame == nil {
			break loop
		}
		if err := p.processFrame(frame); err != nil {
			runErr = err
			if p.logger != nil {
				p.logger.WithFields(logging.Fields{
					"camera": p.cameraID.Key(),
				}).WithError(err).Error("record pipeline: frame failed, aborting recording")
			}
			break loop
		}

		frameCount++
		if frameCount%p.fsyncEvery == 0 {
			p.csv.Flush()
		}
	}

	stopErr := p.handle.Stop(p.metadataPath)
	csvErr := p.csv.Stop()

	if runErr != nil {
		return runErr
	}
	if stopErr != nil {
		return fmt.Errorf("record pipeline: encoder stop: %w", stopErr)
	}
	if csvErr != nil {
		return fmt.Errorf("record pipeline: csv stop: %w", csvErr)
	}
	return nil
}

func (p *Pipeline) processFrame(frame *capture.Frame) error {
	update := p.tracker.Update(&frame.FrameNumber, frame.SensorTimestampNs, frame.MonotonicNs)

	if frame.ColorFormat == capture.ColorRGB {
		swapRedBlue(frame.Data)
		frame.ColorFormat = capture.ColorBGR
	}

	wallTime := time.Unix(0, int64(frame.WallTimeUnix*float64(time.Second)))
	if p.selection.Overlay {
		if err := drawOverlay(frame, wallTime); err != nil && p.logger != nil {
			p.logger.WithError(err).Warn("record pipeline: overlay draw failed, frame written without overlay")
		}
	}

	p.csv.LogFrame(CSVRecord{
		Trial:               p.trial,
		FrameNumber:          frame.FrameNumber,
		WriteTimeUnix:        frame.WallTimeUnix,
		MonotonicTime:        float64(frame.MonotonicNs) / float64(time.Second),
		SensorTimestampNs:    frame.SensorTimestampNs,
		HardwareFrameNumber:  update.FrameNumber,
		DroppedSinceLast:     update.DroppedSinceLast,
		TotalHardwareDrops:   update.TotalDrops,
		StorageQueueDrops:    frame.StorageQueueDrops,
	})

	ptsSource := frame.SensorTimestampNs
	if ptsSource == 0 {
		ptsSource = frame.MonotonicNs
	}

	return p.handle.Enqueue(frame.Data, frame.WallTimeUnix, ptsSource, frame.ColorFormat)
}

// swapRedBlue swaps the R and B byte of each 3-byte pixel in place,
// converting RGB-ordered data to BGR without allocating a second buffer.
func swapRedBlue(data []byte) {
	for i := 0; i+2 < len(data); i += 3 {
		data[i], data[i+2] = data[i+2], data[i]
	}
}
