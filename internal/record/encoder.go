package record

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// EncoderError is returned when a backend encoder refuses a frame or
// fails to initialize.
type EncoderError struct {
	Op  string
	Err error
}

func (e *EncoderError) Error() string { return fmt.Sprintf("encoder: %s: %v", e.Op, e.Err) }
func (e *EncoderError) Unwrap() error { return e.Err }

// EncoderHandle is an open recording stream for one camera.
type EncoderHandle interface {
	// Enqueue submits one frame for encoding with an explicit PTS source
	// (sensor timestamp or monotonic nanoseconds).
	Enqueue(data []byte, wallTime float64, ptsSourceNs int64, format capture.ColorFormat) error
	// Stop drains and closes the container, writing a metadata file
	// alongside the video.
	Stop(metadataPath string) error
}

// Encoder starts new recording handles. FFmpegEncoder is the concrete
// implementation: one exec.Cmd per recording, fed raw frames on stdin.
type Encoder interface {
	Start(cameraID capture.CameraId, videoPath string, selection capture.ModeSelection) (EncoderHandle, error)
}

// FFmpegEncoder drives an `ffmpeg` child process per camera, writing raw
// frames to its stdin and letting ffmpeg handle container muxing.
type FFmpegEncoder struct {
	logger      *logging.Logger
	flushEveryN int
	ffmpegPath  string
}

// NewFFmpegEncoder constructs an Encoder. flushIntervalFrames sets how
// many frames pass between fsync calls on the output.
func NewFFmpegEncoder(flushIntervalFrames int, logger *logging.Logger) *FFmpegEncoder {
	if flushIntervalFrames <= 0 {
		flushIntervalFrames = 600
	}
	return &FFmpegEncoder{logger: logger, flushEveryN: flushIntervalFrames, ffmpegPath: "ffmpeg"}
}

type ffmpegHandle struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	logger     *logging.Logger
	clock      *PTSClock
	outputPath string

	mu           sync.Mutex
	frameCount   int
	flushEveryN  int
	startTime    time.Time
	lastPTSTicks int64
	err          error
}

// Start spawns ffmpeg configured for rawvideo input at the selected
// mode and x264 output.
func (e *FFmpegEncoder) Start(cameraID capture.CameraId, videoPath string, selection capture.ModeSelection) (EncoderHandle, error) {
	if err := os.MkdirAll(filepath.Dir(videoPath), 0o755); err != nil {
		return nil, &EncoderError{Op: "mkdir", Err: err}
	}

	mode := selection.Mode
	pixFmt := "bgr24"

	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", fmt.Sprintf("%dx%d", mode.Width, mode.Height),
		"-r", fmt.Sprintf("%.3f", mode.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-vsync", "passthrough",
		videoPath,
	}

	cmd := exec.Command(e.ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &EncoderError{Op: "start_process", Err: err}
	}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, &EncoderError{Op: "start_process", Err: err}
	}

	if e.logger != nil {
		e.logger.WithFields(logging.Fields{
			"camera": cameraID.Key(),
			"output": videoPath,
			"pid":    cmd.Process.Pid,
		}).Info("encoder process started")
	}

	return &ffmpegHandle{
		cmd:         cmd,
		stdin:       stdin,
		logger:      e.logger,
		clock:       NewPTSClock(),
		outputPath:  videoPath,
		flushEveryN: e.flushEveryN,
		startTime:   time.Now(),
	}, nil
}

func (h *ffmpegHandle) Enqueue(data []byte, wallTime float64, ptsSourceNs int64, format capture.ColorFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return &EncoderError{Op: "enqueue", Err: h.err}
	}

	// The container's own PTS comes from -r on the rawvideo input; the
	// clock here derives a strictly increasing, drift-clamped tick stream
	// from the sensor/monotonic source. The last tick is recorded in the
	// recording's metadata file as the sensor-clock duration, which is
	// what post-hoc A/V alignment compares against the container length.
	h.lastPTSTicks = h.clock.NextTicks(ptsSourceNs, time.Now())

	if _, err := h.stdin.Write(data); err != nil {
		h.err = err
		return &EncoderError{Op: "enqueue", Err: err}
	}

	h.frameCount++
	if h.frameCount%h.flushEveryN == 0 {
		if f, err := os.Open(h.outputPath); err == nil {
			_ = f.Sync()
			_ = f.Close()
		}
	}
	return nil
}

func (h *ffmpegHandle) Stop(metadataPath string) error {
	h.mu.Lock()
	closeErr := h.stdin.Close()
	lastPTS := h.lastPTSTicks
	h.mu.Unlock()

	waitErr := h.cmd.Wait()

	meta := fmt.Sprintf(
		"{\n  \"output_path\": %q,\n  \"frame_count\": %d,\n  \"start_time_unix\": %.6f,\n  \"end_time_unix\": %.6f,\n  \"pts_duration_us\": %d\n}\n",
		h.outputPath, h.frameCount, float64(h.startTime.UnixNano())/1e9, float64(time.Now().UnixNano())/1e9, lastPTS,
	)
	if err := os.WriteFile(metadataPath, []byte(meta), 0o644); err != nil && h.logger != nil {
		h.logger.WithError(err).Error("failed to write recording metadata")
	}

	if closeErr != nil {
		return &EncoderError{Op: "stop", Err: closeErr}
	}
	if waitErr != nil {
		return &EncoderError{Op: "stop", Err: waitErr}
	}
	return nil
}
