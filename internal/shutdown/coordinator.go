package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/labrecorder/capturesvc/internal/constants"
	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/module"
	"github.com/labrecorder/capturesvc/internal/statestore"
)

// Coordinator drives the two-phase shutdown exactly once. Re-entry
// (a second signal, or an explicit Shutdown call racing a signal) is a
// no-op on the guard flag.
type Coordinator struct {
	sup    *module.Supervisor
	store  *statestore.Store
	logger *logging.Logger

	// extra cleanup steps (camera runtime teardown, health server stop)
	// executed after the modules are down, in registration order.
	cleanups []func(ctx context.Context)

	triggered int32 // atomic guard
	done      chan struct{}
	once      sync.Once
}

// NewCoordinator wires the coordinator to the supervisor and state store.
func NewCoordinator(sup *module.Supervisor, store *statestore.Store, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetLogger("shutdown")
	}
	return &Coordinator{
		sup:    sup,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// AddCleanup registers a post-module cleanup step. Must be called before
// the coordinator can trigger.
func (c *Coordinator) AddCleanup(fn func(ctx context.Context)) {
	c.cleanups = append(c.cleanups, fn)
}

// Done is closed once shutdown has fully completed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// InstallSignalHandlers schedules Shutdown on SIGINT/SIGTERM. The
// returned channel reports which signal fired, for the exit-code policy
// (130 on interrupt).
func (c *Coordinator) InstallSignalHandlers(ctx context.Context) <-chan os.Signal {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	observed := make(chan os.Signal, 1)
	go func() {
		select {
		case sig := <-sigCh:
			observed <- sig
			c.logger.WithField("signal", sig.String()).Info("shutdown: signal received")
			c.Shutdown(ctx)
		case <-ctx.Done():
		}
	}()
	return observed
}

// Shutdown runs the two-phase sequence. Safe to call from any goroutine;
// only the first call acts, later calls wait for completion.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&c.triggered, 0, 1) {
		<-c.done
		return
	}
	c.once.Do(func() { defer close(c.done); c.run(ctx) })
}

func (c *Coordinator) run(ctx context.Context) {
	c.logger.Info("shutdown: phase 1, suppressing state writes")
	c.store.SetPhase(constants.PhaseShuttingDown)

	// Snapshot who was running before cleanup begins; RunningModules
	// already filters out crashed and forcefully-stopped modules.
	running := c.sup.RunningModules()

	session := c.sup.CurrentSession()
	if session.TrialActive {
		if err := c.sup.StopTrial(ctx); err != nil {
			c.logger.WithError(err).Warn("shutdown: stop trial failed")
		}
	}
	if session.Active {
		if err := c.sup.StopSession(ctx); err != nil {
			c.logger.WithError(err).Warn("shutdown: stop session failed")
		}
	}

	c.logger.WithField("modules", len(running)).Info("shutdown: phase 2, stopping modules")
	clean := true
	for name, err := range c.sup.StopAll(ctx) {
		clean = false
		c.logger.WithField("module", name).WithError(err).Warn("shutdown: module stop failed")
	}

	// Re-filter after cleanup: a module that crashed or had to be
	// SIGKILLed during StopAll is excluded from the snapshot even though
	// it was running when we captured the set.
	forced := c.sup.ForcedStops()
	for name := range running {
		if c.store.IsCrashed(name) || forced[name] {
			delete(running, name)
		}
	}
	if err := c.store.SaveShutdownSnapshot(running); err != nil {
		clean = false
		c.logger.WithError(err).Warn("shutdown: failed to save shutdown snapshot")
	}

	for _, fn := range c.cleanups {
		fn(ctx)
	}

	if clean {
		if err := c.store.DeleteRecoveryFile(); err != nil {
			c.logger.WithError(err).Warn("shutdown: failed to delete recovery file")
		}
	} else {
		c.logger.Warn("shutdown: not fully clean, preserving recovery file")
	}

	c.store.SetPhase(constants.PhaseStopped)
	c.logger.Info("shutdown: complete")
}
