package diskguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/labrecorder/capturesvc/internal/health"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// StorageError reports that a new trial/session start was blocked
// because free space fell below BlockPercent. It never stops an
// in-progress trial.
type StorageError struct {
	Path         string
	UsedPercent  float64
	BlockPercent int
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("diskguard: %s at %.1f%% used, blocked at %d%%", e.Path, e.UsedPercent, e.BlockPercent)
}

// Guard periodically samples free space on a monitored path and exposes
// pre-flight checks used by the Module Supervisor before starting a
// session or trial.
type Guard struct {
	path         string
	warnPercent  int
	blockPercent int
	logger       *logging.Logger
	metrics      *health.Metrics

	onWarn func(path string, usedPercent float64)

	mu          sync.RWMutex
	lastUsed    float64
	lastChecked time.Time
}

// New constructs a Guard for one output path.
func New(path string, warnPercent, blockPercent int, logger *logging.Logger, metrics *health.Metrics) *Guard {
	return &Guard{
		path:         path,
		warnPercent:  warnPercent,
		blockPercent: blockPercent,
		logger:       logger,
		metrics:      metrics,
	}
}

// OnWarn registers a callback invoked whenever a sample crosses
// WarnPercent, so the caller can append a warning row to the session's
// CONTROL csv.
func (g *Guard) OnWarn(fn func(path string, usedPercent float64)) {
	g.onWarn = fn
}

// Check samples free space once and returns a StorageError if usage is at
// or above BlockPercent. Intended to run before create_session_dir and
// before start_trial.
func (g *Guard) Check() error {
	usage, err := disk.Usage(g.path)
	if err != nil {
		if g.logger != nil {
			g.logger.WithFields(logging.Fields{"path": g.path}).WithError(err).Warn("diskguard: usage check failed, allowing operation")
		}
		return nil
	}

	g.mu.Lock()
	g.lastUsed = usage.UsedPercent
	g.lastChecked = time.Now()
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.DiskFreePercent.WithLabelValues(g.path).Set(100 - usage.UsedPercent)
	}

	if usage.UsedPercent >= float64(g.blockPercent) {
		return &StorageError{Path: g.path, UsedPercent: usage.UsedPercent, BlockPercent: g.blockPercent}
	}
	if usage.UsedPercent >= float64(g.warnPercent) {
		if g.logger != nil {
			g.logger.WithFields(logging.Fields{"path": g.path, "used_percent": usage.UsedPercent}).Warn("diskguard: free space running low")
		}
		if g.onWarn != nil {
			g.onWarn(g.path, usage.UsedPercent)
		}
	}
	return nil
}

// RunPeriodic samples every interval until stop is closed, reporting
// through the same OnWarn/metrics paths as Check. It never blocks an
// in-progress trial: callers consult only their own pre-flight Check.
func (g *Guard) RunPeriodic(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = g.Check()
		}
	}
}

// LastUsedPercent returns the most recent sample, or (0, false) if none
// has been taken yet.
func (g *Guard) LastUsedPercent() (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.lastChecked.IsZero() {
		return 0, false
	}
	return g.lastUsed, true
}
