package module

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// EventLogHeader is the session CONTROL csv header.
var EventLogHeader = []string{"timestamp", "event_type", "details"}

// EventLog appends session control events (session_start, trial_start,
// trial_stop, session_stop, module errors, disk warnings) to the
// session's {ts}_CONTROL.csv. One writer per session directory; rows are
// flushed on every append since events are rare and each one matters for
// post-hoc reconstruction of the session timeline.
type EventLog struct {
	logger *logging.Logger

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// OpenEventLog creates (or appends to) the control CSV at path, writing
// the header only when the file is new.
func OpenEventLog(path string, logger *logging.Logger) (*EventLog, error) {
	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("module: open control csv %s: %w", path, err)
	}

	l := &EventLog{logger: logger, file: f, writer: csv.NewWriter(f)}
	if needsHeader {
		if err := l.writer.Write(EventLogHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("module: write control csv header: %w", err)
		}
		l.writer.Flush()
	}
	return l, nil
}

// Append writes one event row. Failures are logged, never propagated: a
// broken event log must not abort a running session.
func (l *EventLog) Append(eventType, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}

	row := []string{time.Now().UTC().Format(time.RFC3339Nano), eventType, details}
	if err := l.writer.Write(row); err != nil {
		if l.logger != nil {
			l.logger.WithError(err).Warn("event log: append failed")
		}
		return
	}
	l.writer.Flush()
}

// Close flushes and closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	l.writer = nil
	return err
}
