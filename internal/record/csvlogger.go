// Package record implements the timestamped encode path for one
// camera: per-frame timing CSV logging, optional overlay, and the
// encoder abstraction that turns raw frames into a video container.
package record

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// CameraCSVHeader is the camera timing CSV header.
var CameraCSVHeader = []string{
	"trial", "frame_number", "write_time_unix", "monotonic_time",
	"sensor_timestamp_ns", "hardware_frame_number", "dropped_since_last",
	"total_hardware_drops", "storage_queue_drops",
}

// CSVRecord is one camera timing row.
type CSVRecord struct {
	Trial               int
	FrameNumber         uint64
	WriteTimeUnix       float64
	MonotonicTime       float64
	SensorTimestampNs   int64
	HardwareFrameNumber uint64
	DroppedSinceLast    uint32
	TotalHardwareDrops  uint64
	StorageQueueDrops   uint32
}

func (r CSVRecord) row() []string {
	return []string{
		fmt.Sprintf("%d", r.Trial),
		fmt.Sprintf("%d", r.FrameNumber),
		fmt.Sprintf("%.6f", r.WriteTimeUnix),
		fmt.Sprintf("%.6f", r.MonotonicTime),
		fmt.Sprintf("%d", r.SensorTimestampNs),
		fmt.Sprintf("%d", r.HardwareFrameNumber),
		fmt.Sprintf("%d", r.DroppedSinceLast),
		fmt.Sprintf("%d", r.TotalHardwareDrops),
		fmt.Sprintf("%d", r.StorageQueueDrops),
	}
}

// CSVLogger is a buffered, degraded-on-error append-only writer for one
// camera's timing CSV. Header is written once on Start; rows are buffered
// in memory until FlushEvery rows accumulate or Flush/Stop is called.
// LogFrame and Flush take the same internal lock, and LogFrame runs Flush
// on the caller's goroutine once FlushEvery rows are buffered, so the
// append that fills the buffer waits for the disk write, and an append
// made while a flush is in progress waits for it to finish.
type CSVLogger struct {
	logger     *logging.Logger
	flushEvery int

	mu        sync.Mutex
	file      *os.File
	writer    *csv.Writer
	rows      [][]string
	degraded  bool
	path      string
}

// NewCSVLogger constructs a logger that batches flushEvery rows at a time.
func NewCSVLogger(flushEvery int, logger *logging.Logger) *CSVLogger {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	return &CSVLogger{flushEvery: flushEvery, logger: logger}
}

// Start opens (or creates) path and writes the header exactly once: if the
// file already exists and is non-empty, the header is assumed present.
func (l *CSVLogger) Start(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.path = path
	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.degraded = true
		if l.logger != nil {
			l.logger.WithError(err).Error("csv logger: failed to open timing file")
		}
		return err
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	if needsHeader {
		if err := l.writer.Write(CameraCSVHeader); err != nil {
			l.degraded = true
			return err
		}
		l.writer.Flush()
	}
	return nil
}

// LogFrame buffers one row without touching the file.
func (l *CSVLogger) LogFrame(r CSVRecord) {
	l.mu.Lock()
	l.rows = append(l.rows, r.row())
	shouldFlush := len(l.rows) >= l.flushEvery
	l.mu.Unlock()

	if shouldFlush {
		l.Flush()
	}
}

// BufferedRows reports how many rows are waiting to be flushed.
func (l *CSVLogger) BufferedRows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

// Flush writes all buffered rows to disk. Degraded loggers drop the
// buffer rather than retry indefinitely and block the writer task.
func (l *CSVLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.degraded || l.writer == nil || len(l.rows) == 0 {
		l.rows = l.rows[:0]
		return
	}

	for _, row := range l.rows {
		if err := l.writer.Write(row); err != nil {
			l.degraded = true
			if l.logger != nil {
				l.logger.WithError(err).Error("csv logger: write failed, entering degraded mode")
			}
			break
		}
	}
	l.writer.Flush()
	l.rows = l.rows[:0]
}

// Stop flushes any remaining buffer and closes the file.
func (l *CSVLogger) Stop() error {
	l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
