package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labrecorder/capturesvc/internal/config"
	"github.com/labrecorder/capturesvc/internal/constants"
	"github.com/labrecorder/capturesvc/internal/diskguard"
	"github.com/labrecorder/capturesvc/internal/health"
	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/serial"
	"github.com/labrecorder/capturesvc/internal/session"
	"github.com/labrecorder/capturesvc/internal/statestore"
)

// Session is one user-defined recording time span of zero or more
// trials, all landing in a single directory. TrialCounter increments
// only after a successful stop-trial.
type Session struct {
	Paths         *session.Paths
	Name          string
	StartTime     time.Time
	Active        bool
	TrialCounter  int
	TrialActive   bool
	TrialLabel    string
	CorrelationID string
}

// StatusSnapshot summarizes one instance for UI/API consumers of the
// supervisor's status fan-in.
type StatusSnapshot struct {
	Module     string
	InstanceID string
	State      State
	Enabled    bool
	LastStatus Status
}

// StatusCallback receives every status event the supervisor fans in, on
// the supervisor's dispatch goroutine. Callbacks must not block.
type StatusCallback func(snapshot StatusSnapshot)

type trackedModule struct {
	info    ModuleInfo
	enabled bool
	// stateChanging guards the window where the supervisor itself is
	// starting or stopping the module, so a quitting status observed
	// mid-transition doesn't clear the enabled flag.
	stateChanging bool
	proc          *Process            // single-instance modules
	instances     map[string]*Process // multi-instance: device key -> child
	lastStatus    map[string]Status   // by instance id
}

// Supervisor is the top-level coordinator (component K): module
// discovery results in, lifecycle and session/trial broadcast out,
// status fan-in back through a single callback.
type Supervisor struct {
	cfg     config.SupervisorConfig
	store   *statestore.Store
	guard   *diskguard.Guard
	metrics *health.Metrics
	logger  *logging.Logger

	onStatus StatusCallback

	mu       sync.Mutex
	modules  map[string]*trackedModule
	forced   map[string]bool // modules whose last stop required SIGKILL
	session  Session
	eventLog *EventLog
}

// NewSupervisor constructs a Supervisor over the discovered module list.
// guard and metrics may be nil (tests, headless tools).
func NewSupervisor(cfg config.SupervisorConfig, infos []ModuleInfo, store *statestore.Store,
	guard *diskguard.Guard, metrics *health.Metrics, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.GetLogger("supervisor")
	}
	s := &Supervisor{
		cfg:     cfg,
		store:   store,
		guard:   guard,
		metrics: metrics,
		logger:  logger,
		modules: make(map[string]*trackedModule, len(infos)),
		forced:  make(map[string]bool),
	}
	for _, info := range infos {
		s.modules[info.Name] = &trackedModule{
			info:       info,
			instances:  make(map[string]*Process),
			lastStatus: make(map[string]Status),
		}
	}
	return s
}

// SetStatusCallback registers the UI/API status fan-in consumer.
func (s *Supervisor) SetStatusCallback(cb StatusCallback) {
	s.mu.Lock()
	s.onStatus = cb
	s.mu.Unlock()
}

// Startup runs the boot sequence: load per-module enablement, union
// with the recovery file if one exists (deletion is deferred until a
// clean shutdown completes), start the resulting set, move to phase
// Running, and save the startup snapshot of the modules that actually
// started.
func (s *Supervisor) Startup(ctx context.Context) error {
	s.store.SetPhase(constants.PhaseInitializing)

	enabled := make(map[string]bool)
	s.mu.Lock()
	for name, tm := range s.modules {
		snap := s.store.LoadModuleState(name)
		tm.enabled = snap.Enabled
		if snap.Enabled {
			enabled[name] = true
		}
	}
	s.mu.Unlock()

	if recovered, ok := s.store.LoadRecoveryState(); ok {
		for name := range recovered {
			if s.store.IsCrashed(name) {
				continue
			}
			if _, known := s.moduleByName(name); known {
				enabled[name] = true
			}
		}
		if s.logger != nil {
			s.logger.WithFields(logging.Fields{"modules": len(recovered)}).Info("supervisor: recovery file found, restoring modules")
		}
	}

	started := make(map[string]bool, len(enabled))
	for name := range enabled {
		if err := s.startModule(ctx, name); err != nil {
			if s.logger != nil {
				s.logger.WithFields(logging.Fields{"module": name}).WithError(err).Error("supervisor: startup failed for module")
			}
			continue
		}
		started[name] = true
	}

	s.store.SetPhase(constants.PhaseRunning)

	if err := s.store.SaveStartupSnapshot(started); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("supervisor: failed to write startup snapshot")
	}
	return nil
}

func (s *Supervisor) moduleByName(name string) (*trackedModule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.modules[name]
	return tm, ok
}

func (s *Supervisor) processConfig(info ModuleInfo, instanceID string) ProcessConfig {
	logPath := filepath.Join(s.cfg.StateDir, "logs", sanitizeLogName(instanceID)+".log")
	return ProcessConfig{
		Name:         info.Name,
		InstanceID:   instanceID,
		ExecPath:     info.EntryPoint,
		Args:         info.Args,
		LogFilePath:  logPath,
		StartTimeout: s.cfg.StartTimeout,
		StopTimeout:  s.cfg.StopTimeout,
		TermGrace:    s.cfg.TermGrace,
	}
}

func sanitizeLogName(instanceID string) string {
	return session.SanitizePathComponent(instanceID)
}

// startModule spawns the single-instance child for name. Multi-instance
// modules are started lazily per device through AssignDevice instead.
func (s *Supervisor) startModule(ctx context.Context, name string) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}

	s.mu.Lock()
	if tm.info.MultiInstance {
		tm.enabled = true
		s.mu.Unlock()
		return nil
	}
	if tm.proc != nil && tm.proc.State() != StateStopped {
		s.mu.Unlock()
		return nil
	}
	tm.stateChanging = true
	cfg := s.processConfig(tm.info, tm.info.Name)
	s.mu.Unlock()

	if err := ensureLogDir(cfg.LogFilePath); err != nil {
		s.clearStateChanging(tm)
		return err
	}

	proc := NewProcess(cfg, s.logger, s.handleStatus, s.handleCrash)
	if err := proc.Start(ctx); err != nil {
		s.clearStateChanging(tm)
		return err
	}

	s.mu.Lock()
	tm.proc = proc
	tm.enabled = true
	tm.stateChanging = false
	sessionDir := ""
	if s.session.Active {
		sessionDir = s.session.Paths.SessionDir
	}
	s.mu.Unlock()

	s.setStateMetric(name, StateStarting)

	// A module joining mid-session learns the session directory right
	// away so its artifacts land in the same tree.
	if sessionDir != "" {
		_ = proc.Send(Command{Command: constants.CmdStartSession, SessionDir: sessionDir})
	}
	return nil
}

func (s *Supervisor) clearStateChanging(tm *trackedModule) {
	s.mu.Lock()
	tm.stateChanging = false
	s.mu.Unlock()
}

func (s *Supervisor) stopModule(ctx context.Context, name string) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}

	s.mu.Lock()
	tm.stateChanging = true
	procs := make([]*Process, 0, 1+len(tm.instances))
	if tm.proc != nil {
		procs = append(procs, tm.proc)
	}
	for _, p := range tm.instances {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var firstErr error
	forced := false
	for _, p := range procs {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if p.ForcefullyStopped() {
			forced = true
		}
	}

	s.mu.Lock()
	tm.proc = nil
	tm.instances = make(map[string]*Process)
	tm.stateChanging = false
	if forced {
		s.forced[name] = true
	}
	s.mu.Unlock()

	s.setStateMetric(name, StateStopped)
	return firstErr
}

// SetModuleEnabled drives the module's state machine from an explicit
// user toggle: spawn on enable, graceful stop on disable. Calling it
// twice with the same value is a no-op after the first call.
func (s *Supervisor) SetModuleEnabled(ctx context.Context, name string, enabled bool) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}

	s.mu.Lock()
	already := tm.enabled == enabled
	s.mu.Unlock()

	s.store.OnUserToggleEnabled(name, enabled)
	if already {
		return nil
	}

	if enabled {
		return s.startModule(ctx, name)
	}

	s.mu.Lock()
	tm.enabled = false
	s.mu.Unlock()
	return s.stopModule(ctx, name)
}

// StartSession creates the session directory (or uses dirOverride
// verbatim in command mode), opens the CONTROL event log, and broadcasts
// start_session to every idle module. A disk guard block refuses the
// whole session.
func (s *Supervisor) StartSession(ctx context.Context, dirOverride string) error {
	s.mu.Lock()
	if s.session.Active {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: session already active")
	}
	s.mu.Unlock()

	if s.guard != nil {
		if err := s.guard.Check(); err != nil {
			return err
		}
	}

	outputRoot := s.cfg.OutputDir
	commandMode := false
	if dirOverride != "" {
		outputRoot = dirOverride
		commandMode = true
	}

	paths, err := session.CreateSessionDir(outputRoot, s.cfg.SessionPrefix, commandMode, time.Now(), s.logger)
	if err != nil {
		return err
	}

	eventLog, err := OpenEventLog(session.ControlCSVPath(paths), s.logger)
	if err != nil {
		return err
	}

	corrID := logging.GenerateCorrelationID()
	s.mu.Lock()
	s.session = Session{
		Paths:         paths,
		Name:          paths.SessionName,
		StartTime:     time.Now(),
		Active:        true,
		CorrelationID: corrID,
	}
	s.eventLog = eventLog
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"session_dir": paths.SessionDir, "correlation_id": corrID,
	}).Info("supervisor: session started")

	if s.guard != nil {
		s.guard.OnWarn(func(path string, usedPercent float64) {
			s.appendEvent("disk_warning", fmt.Sprintf("%s at %.1f%% used", path, usedPercent))
		})
	}

	s.appendEvent("session_start", paths.SessionDir)
	errs := s.broadcast(ctx, Command{Command: constants.CmdStartSession, SessionDir: paths.SessionDir}, StateIdle)
	s.logBroadcastFailures("start_session", errs)
	return nil
}

// StopSession broadcasts stop_session, closes the event log, and clears
// session state. An active trial is stopped first.
func (s *Supervisor) StopSession(ctx context.Context) error {
	s.mu.Lock()
	active := s.session.Active
	trialActive := s.session.TrialActive
	s.mu.Unlock()
	if !active {
		return nil
	}
	if trialActive {
		if err := s.StopTrial(ctx); err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("supervisor: stop trial during stop session")
		}
	}

	errs := s.broadcast(ctx, Command{Command: constants.CmdStopSession}, StateIdle, StateRecording)
	s.logBroadcastFailures("stop_session", errs)

	s.appendEvent("session_stop", "")

	s.mu.Lock()
	eventLog := s.eventLog
	s.eventLog = nil
	s.session.Active = false
	s.mu.Unlock()

	if eventLog != nil {
		return eventLog.Close()
	}
	return nil
}

// StartTrial broadcasts start_recording with the next trial number to
// every running module. The counter itself only advances on a successful
// StopTrial, so a failed trial start can be retried under the same number.
func (s *Supervisor) StartTrial(ctx context.Context, label string) (int, error) {
	s.mu.Lock()
	if !s.session.Active {
		s.mu.Unlock()
		return 0, fmt.Errorf("supervisor: no active session")
	}
	if s.session.TrialActive {
		trial := s.session.TrialCounter + 1
		s.mu.Unlock()
		return trial, fmt.Errorf("supervisor: trial already active")
	}
	trial := s.session.TrialCounter + 1
	s.session.TrialActive = true
	s.session.TrialLabel = label
	s.mu.Unlock()

	if s.guard != nil {
		if err := s.guard.Check(); err != nil {
			s.mu.Lock()
			s.session.TrialActive = false
			s.mu.Unlock()
			return 0, err
		}
	}

	s.logger.WithFields(logging.Fields{
		"trial": trial, "label": label, "correlation_id": s.CurrentSession().CorrelationID,
	}).Info("supervisor: trial starting")
	s.appendEvent("trial_start", fmt.Sprintf("trial=%d label=%s", trial, label))
	errs := s.broadcast(ctx, Command{Command: constants.CmdStartRecording, TrialNumber: trial, Label: label}, StateIdle)
	s.logBroadcastFailures("start_recording", errs)
	return trial, nil
}

// StopTrial broadcasts stop_recording and increments the trial counter.
func (s *Supervisor) StopTrial(ctx context.Context) error {
	s.mu.Lock()
	if !s.session.TrialActive {
		s.mu.Unlock()
		return nil
	}
	trial := s.session.TrialCounter + 1
	s.mu.Unlock()

	errs := s.broadcast(ctx, Command{Command: constants.CmdStopRecording}, StateRecording)
	s.logBroadcastFailures("stop_recording", errs)

	s.mu.Lock()
	s.session.TrialActive = false
	s.session.TrialCounter = trial
	s.session.TrialLabel = ""
	s.mu.Unlock()

	s.appendEvent("trial_stop", fmt.Sprintf("trial=%d", trial))
	return nil
}

// CurrentSession returns a copy of the session state.
func (s *Supervisor) CurrentSession() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// broadcast fans cmd out concurrently to every instance whose state is in
// states, aggregating per-instance failures without rolling any of them
// back. Per-module serialization is preserved
// by Process.Send's internal writer lock.
func (s *Supervisor) broadcast(ctx context.Context, cmd Command, states ...State) map[string]error {
	type target struct {
		instanceID string
		proc       *Process
	}

	s.mu.Lock()
	var targets []target
	for _, tm := range s.modules {
		if !tm.enabled {
			continue
		}
		if tm.proc != nil {
			targets = append(targets, target{tm.info.Name, tm.proc})
		}
		for _, p := range tm.instances {
			targets = append(targets, target{p.cfg.InstanceID, p})
		}
	}
	s.mu.Unlock()

	var mu sync.Mutex
	errs := make(map[string]error)

	g, _ := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			st := t.proc.State()
			ok := false
			for _, want := range states {
				if st == want {
					ok = true
					break
				}
			}
			if !ok {
				return nil
			}
			if err := t.proc.Send(cmd); err != nil {
				mu.Lock()
				errs[t.instanceID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (s *Supervisor) logBroadcastFailures(op string, errs map[string]error) {
	for instance, err := range errs {
		if s.logger != nil {
			s.logger.WithFields(logging.Fields{"op": op, "instance": instance}).WithError(err).Warn("supervisor: broadcast failed for instance")
		}
		s.appendEvent("module_error", fmt.Sprintf("instance=%s op=%s err=%v", instance, op, err))
	}
}

// SendModuleCommand is the fire-and-forget dispatch for one module's
// primary process.
func (s *Supervisor) SendModuleCommand(name string, cmd Command) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}
	s.mu.Lock()
	proc := tm.proc
	s.mu.Unlock()
	if proc == nil {
		return &StateTransitionError{Module: name, From: StateStopped, Op: cmd.Command}
	}
	return proc.Send(cmd)
}

// SendInstanceCommand dispatches to a specific "{module}:{device}"
// instance of a multi-instance module.
func (s *Supervisor) SendInstanceCommand(instanceID string, cmd Command) error {
	name := moduleNameOf(instanceID)
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}
	s.mu.Lock()
	proc := tm.instances[instanceID]
	if proc == nil && tm.proc != nil && instanceID == name {
		proc = tm.proc
	}
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("supervisor: unknown instance %q", instanceID)
	}
	return proc.Send(cmd)
}

func moduleNameOf(instanceID string) string {
	for i := 0; i < len(instanceID); i++ {
		if instanceID[i] == ':' {
			return instanceID[:i]
		}
	}
	return instanceID
}

// AssignDevice wires a discovered USB device to its owning module: a
// multi-instance module gets a dedicated child keyed
// "{module}:{device_id}", a running single-instance module gets an
// assign_device command, and a stopped-but-enabled one is started first.
func (s *Supervisor) AssignDevice(ctx context.Context, name string, desc serial.DeviceDescriptor) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}

	s.store.OnDeviceConnected(name)

	assignCmd := Command{
		Command:    constants.CmdAssignDevice,
		DeviceID:   desc.DeviceID,
		DeviceType: desc.DeviceType,
		Port:       desc.Port,
		Baudrate:   desc.Baudrate,
		IsWireless: desc.IsWireless,
	}
	s.mu.Lock()
	if s.session.Active {
		assignCmd.SessionDir = s.session.Paths.SessionDir
	}
	multi := tm.info.MultiInstance
	s.mu.Unlock()

	if multi {
		instanceID := tm.info.Name + ":" + desc.DeviceID
		s.mu.Lock()
		if _, exists := tm.instances[instanceID]; exists {
			s.mu.Unlock()
			return nil
		}
		cfg := s.processConfig(tm.info, instanceID)
		s.mu.Unlock()

		if err := ensureLogDir(cfg.LogFilePath); err != nil {
			return err
		}
		proc := NewProcess(cfg, s.logger, s.handleStatus, s.handleCrash)
		if err := proc.Start(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		tm.instances[instanceID] = proc
		s.mu.Unlock()
		return proc.Send(assignCmd)
	}

	s.mu.Lock()
	running := tm.proc != nil && tm.proc.State() != StateStopped
	enabled := tm.enabled
	s.mu.Unlock()

	if !running {
		if !enabled {
			return nil
		}
		if err := s.startModule(ctx, name); err != nil {
			return err
		}
	}
	return s.SendModuleCommand(name, assignCmd)
}

// UnassignDevice reverses AssignDevice on disconnect: multi-instance
// children are stopped, single-instance modules get unassign_device.
func (s *Supervisor) UnassignDevice(ctx context.Context, name, deviceID string) error {
	tm, ok := s.moduleByName(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown module %q", name)
	}

	s.store.OnInternalModuleClosed(name)

	s.mu.Lock()
	multi := tm.info.MultiInstance
	s.mu.Unlock()

	if multi {
		instanceID := tm.info.Name + ":" + deviceID
		s.mu.Lock()
		proc := tm.instances[instanceID]
		delete(tm.instances, instanceID)
		s.mu.Unlock()
		if proc == nil {
			return nil
		}
		return proc.Stop(ctx)
	}

	return s.SendModuleCommand(name, Command{Command: constants.CmdUnassignDevice, DeviceID: deviceID})
}

// handleStatus is the per-process status fan-in: update in-memory
// state, persist geometry, and forward to the UI callback.
func (s *Supervisor) handleStatus(instanceID string, st Status) {
	name := moduleNameOf(instanceID)
	tm, ok := s.moduleByName(name)
	if !ok {
		return
	}

	s.mu.Lock()
	tm.lastStatus[instanceID] = st
	var proc *Process
	if p, ok := tm.instances[instanceID]; ok {
		proc = p
	} else {
		proc = tm.proc
	}
	enabled := tm.enabled
	stateChanging := tm.stateChanging
	cb := s.onStatus
	s.mu.Unlock()

	switch st.Status {
	case constants.StatusQuitting:
		// Self-initiated exit: stop tracking and clear enabled, unless
		// the supervisor itself is mid-transition.
		if !stateChanging {
			s.mu.Lock()
			if tm.proc == proc {
				tm.proc = nil
			}
			delete(tm.instances, instanceID)
			tm.enabled = false
			s.mu.Unlock()
			s.store.OnInternalModuleClosed(name)
		}
	case constants.StatusGeometryChanged:
		if g, ok := geometryFromStatus(st); ok {
			s.store.SetGeometry(instanceID, g.String())
		}
	case constants.StatusError:
		s.appendEvent("module_error", fmt.Sprintf("instance=%s %v", instanceID, st.Data["message"]))
	}

	var state State
	if proc != nil {
		state = proc.State()
	}
	s.setStateMetric(name, state)

	if cb != nil {
		cb(StatusSnapshot{
			Module:     name,
			InstanceID: instanceID,
			State:      state,
			Enabled:    enabled,
			LastStatus: st,
		})
	}
}

func geometryFromStatus(st Status) (Geometry, bool) {
	num := func(key string) (int, bool) {
		v, ok := st.Data[key]
		if !ok {
			return 0, false
		}
		f, ok := v.(float64)
		if !ok {
			return 0, false
		}
		return int(f), true
	}
	w, okW := num("width")
	h, okH := num("height")
	x, okX := num("x")
	y, okY := num("y")
	if !okW || !okH || !okX || !okY {
		return Geometry{}, false
	}
	return Geometry{Width: w, Height: h, X: x, Y: y}, true
}

// handleCrash fires on unexpected child exit: persist enabled=false via
// OnModuleCrash (which also records the crash in-memory so recovery
// skips it), and notify the UI.
func (s *Supervisor) handleCrash(instanceID string) {
	name := moduleNameOf(instanceID)
	tm, ok := s.moduleByName(name)
	if !ok {
		return
	}

	s.store.OnModuleCrash(name)
	s.appendEvent("module_crash", "instance="+instanceID)

	s.mu.Lock()
	tm.enabled = false
	cb := s.onStatus
	s.mu.Unlock()

	s.setStateMetric(name, StateCrashed)

	if cb != nil {
		cb(StatusSnapshot{
			Module:     name,
			InstanceID: instanceID,
			State:      StateCrashed,
			Enabled:    false,
		})
	}
}

// RunningModules returns the set of modules with a live child, excluding
// crashed and forcefully stopped ones; used for the recovery snapshots.
func (s *Supervisor) RunningModules() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for name, tm := range s.modules {
		if s.store.IsCrashed(name) {
			continue
		}
		procs := make([]*Process, 0, 1+len(tm.instances))
		if tm.proc != nil {
			procs = append(procs, tm.proc)
		}
		for _, p := range tm.instances {
			procs = append(procs, p)
		}
		for _, p := range procs {
			st := p.State()
			if st != StateStopped && st != StateCrashed && !p.ForcefullyStopped() {
				out[name] = true
				break
			}
		}
	}
	return out
}

// StopAll gracefully stops every tracked process, used by the shutdown
// coordinator's cleanup phase. Per-module stop errors are collected, not
// fatal.
func (s *Supervisor) StopAll(ctx context.Context) map[string]error {
	s.mu.Lock()
	names := make([]string, 0, len(s.modules))
	for name, tm := range s.modules {
		if tm.proc != nil || len(tm.instances) > 0 {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	errs := make(map[string]error)
	for _, name := range names {
		stopCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.CleanupTimeout > 0 {
			stopCtx, cancel = context.WithTimeout(ctx, s.cfg.CleanupTimeout)
		}
		if err := s.stopModule(stopCtx, name); err != nil {
			errs[name] = err
		}
		if cancel != nil {
			cancel()
		}
	}
	return errs
}

// ForcedStops reports modules whose last stop escalated to SIGKILL;
// the shutdown coordinator excludes them from the recovery snapshot.
func (s *Supervisor) ForcedStops() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.forced))
	for name := range s.forced {
		out[name] = true
	}
	return out
}

// ModuleStatuses returns a snapshot per known instance for status_report
// aggregation and the health surface.
func (s *Supervisor) ModuleStatuses() []StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StatusSnapshot
	for name, tm := range s.modules {
		appendProc := func(instanceID string, p *Process) {
			snap := StatusSnapshot{
				Module:     name,
				InstanceID: instanceID,
				Enabled:    tm.enabled,
				LastStatus: tm.lastStatus[instanceID],
			}
			if p != nil {
				snap.State = p.State()
			}
			out = append(out, snap)
		}
		if tm.proc != nil || !tm.info.MultiInstance {
			appendProc(name, tm.proc)
		}
		for id, p := range tm.instances {
			appendProc(id, p)
		}
	}
	return out
}

func (s *Supervisor) appendEvent(eventType, details string) {
	s.mu.Lock()
	log := s.eventLog
	s.mu.Unlock()
	if log != nil {
		log.Append(eventType, details)
	}
}

func (s *Supervisor) setStateMetric(name string, state State) {
	if s.metrics != nil {
		s.metrics.ModuleState.WithLabelValues(name).Set(float64(state))
	}
}

func ensureLogDir(logFilePath string) error {
	return os.MkdirAll(filepath.Dir(logFilePath), 0o755)
}
