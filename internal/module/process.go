package module

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/labrecorder/capturesvc/internal/constants"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// State is the Module Process lifecycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateInitializing
	StateIdle
	StateRecording
	StateError
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return constants.ModuleStateStopped
	case StateStarting:
		return constants.ModuleStateStarting
	case StateInitializing:
		return constants.ModuleStateInitializing
	case StateIdle:
		return constants.ModuleStateIdle
	case StateRecording:
		return constants.ModuleStateRecording
	case StateError:
		return constants.ModuleStateError
	case StateCrashed:
		return constants.ModuleStateCrashed
	default:
		return "unknown"
	}
}

// StateTransitionError is returned when a command is issued in a state
// that forbids it.
type StateTransitionError struct {
	Module string
	From   State
	Op     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("module %s: cannot %s from state %s", e.Module, e.Op, e.From)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences before a line is written to
// the module's log file.
func StripANSI(b []byte) []byte {
	if !containsEscape(b) {
		return b
	}
	return ansiEscape.ReplaceAll(b, nil)
}

func containsEscape(b []byte) bool {
	for _, c := range b {
		if c == 0x1b {
			return true
		}
	}
	return false
}

// ProcessConfig carries the per-module spawn and timing policy, sourced
// from config.SupervisorConfig.
type ProcessConfig struct {
	Name         string
	InstanceID   string // "{module}:{device_id}" for multi-instance modules, else Name
	ExecPath     string
	Args         []string
	LogFilePath  string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	TermGrace    time.Duration
}

// Process owns one child OS process implementing a module: spawn, the
// stdin/stdout JSON channel, the lifecycle state machine, and the
// graceful stop sequence (quit, then SIGTERM, then SIGKILL).
type Process struct {
	cfg    ProcessConfig
	logger *logging.Logger

	onStatus func(instanceID string, st Status)
	onCrash  func(instanceID string)

	mu                sync.Mutex
	cmd               *exec.Cmd
	stdin             io.WriteCloser
	logFile           *os.File
	state             State
	forcefullyStopped bool
	sawQuitting       bool
	exitErr           error

	stateCh chan State
	wg      sync.WaitGroup

	stopped int32 // atomic; set once Stop has run to completion

	sendMu sync.Mutex // serializes writes to stdin
}

// NewProcess constructs a Process in state Stopped. onCrash fires when
// the child exits unexpectedly (neither a supervisor-requested Stop nor
// a self-initiated "quitting" status was observed first); the
// Supervisor uses it to persist the crash and disable the module.
func NewProcess(cfg ProcessConfig, logger *logging.Logger, onStatus func(instanceID string, st Status), onCrash func(instanceID string)) *Process {
	if cfg.InstanceID == "" {
		cfg.InstanceID = cfg.Name
	}
	if logger == nil {
		logger = logging.GetLogger("module-process")
	}
	return &Process{
		cfg:      cfg,
		logger:   logger,
		onStatus: onStatus,
		onCrash:  onCrash,
		state:    StateStopped,
		stateCh:  make(chan State, 8),
	}
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ForcefullyStopped reports whether the last stop required SIGKILL; such
// a module is excluded from the recovery snapshot.
func (p *Process) ForcefullyStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forcefullyStopped
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	select {
	case p.stateCh <- s:
	default:
	}
}

// Start spawns the child process and begins reading its status channel.
// It returns once the process has been spawned; it does not block for
// Initialized (callers observing readiness watch status callbacks).
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return &StateTransitionError{Module: p.cfg.Name, From: p.state, Op: "start"}
	}
	p.mu.Unlock()

	logFile, err := os.OpenFile(p.cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("module %s: open log file: %w", p.cfg.Name, err)
	}

	cmd := exec.Command(p.cfg.ExecPath, p.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("module %s: stdin pipe: %w", p.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("module %s: stdout pipe: %w", p.cfg.Name, err)
	}
	// stderr is captured straight to the log file at OS-FD level so any
	// linked native library writing directly to fd 2 is still captured;
	// the JSON status channel rides stdout separately.
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("module %s: start: %w", p.cfg.Name, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.logFile = logFile
	p.forcefullyStopped = false
	p.sawQuitting = false
	p.exitErr = nil
	p.mu.Unlock()

	p.setState(StateStarting)

	p.logger.WithFields(logging.Fields{
		"module": p.cfg.Name, "instance_id": p.cfg.InstanceID, "pid": cmd.Process.Pid,
	}).Info("module process started")

	p.wg.Add(2)
	go p.readStatusLoop(stdout, logFile)
	go p.waitLoop()

	if p.cfg.StartTimeout > 0 {
		go p.watchStartTimeout()
	}

	return nil
}

// watchStartTimeout moves a module that never reported any status
// within start_timeout to Error. The process itself is left for the
// supervisor's stop policy to reap.
func (p *Process) watchStartTimeout() {
	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	for {
		select {
		case st := <-p.stateCh:
			if st != StateStarting {
				return
			}
		case <-timer.C:
			if p.State() == StateStarting {
				p.logger.WithField("module", p.cfg.Name).Error("module did not report status within start_timeout")
				p.setState(StateError)
			}
			return
		}
	}
}

// PID returns the child's process id, or 0 if no process is running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) readStatusLoop(stdout io.Reader, logFile *os.File) {
	defer p.wg.Done()
	reader := NewStatusReader(stdout)
	for {
		st, err := reader.Next()
		if err != nil {
			return
		}

		if _, werr := logFile.Write(StripANSI([]byte(st.Status + "\n"))); werr != nil {
			p.logger.WithError(werr).WithField("module", p.cfg.Name).Warn("failed writing module status to log file")
		}

		switch st.Status {
		case constants.StatusInitializing:
			p.setState(StateInitializing)
		case constants.StatusInitialized:
			p.setState(StateIdle)
		case constants.StatusRecordingStarted:
			p.setState(StateRecording)
		case constants.StatusRecordingStopped:
			p.setState(StateIdle)
		case constants.StatusQuitting:
			p.mu.Lock()
			p.sawQuitting = true
			p.mu.Unlock()
		case constants.StatusError:
			p.setState(StateError)
		}

		if p.onStatus != nil {
			p.onStatus(p.cfg.InstanceID, st)
		}
	}
}

func (p *Process) waitLoop() {
	defer p.wg.Done()
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	sawQuitting := p.sawQuitting
	wasStopping := atomic.LoadInt32(&p.stopped) == 1
	if p.logFile != nil {
		p.logFile.Close()
	}
	p.mu.Unlock()

	if !wasStopping {
		if sawQuitting {
			p.setState(StateStopped)
		} else {
			p.setState(StateCrashed)
			if p.onCrash != nil {
				p.onCrash(p.cfg.InstanceID)
			}
		}
		p.logger.WithFields(logging.Fields{
			"module": p.cfg.Name, "saw_quitting": sawQuitting, "err": err,
		}).Warn("module process exited unexpectedly")
	}
}

// Send writes one command to the child's stdin. Concurrent calls are
// serialized by Send's own writer lock.
func (p *Process) Send(cmd Command) error {
	p.mu.Lock()
	stdin := p.stdin
	state := p.state
	p.mu.Unlock()

	if stdin == nil || state == StateStopped {
		return &StateTransitionError{Module: p.cfg.Name, From: state, Op: cmd.Command}
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return WriteCommand(stdin, cmd)
}

// Stop implements the graceful stop sequence: quit, wait
// stop_timeout, SIGTERM, wait a short grace period, SIGKILL. Any forced
// kill sets ForcefullyStopped.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	cmd := p.cmd
	p.mu.Unlock()

	atomic.StoreInt32(&p.stopped, 1)
	defer func() {
		p.setState(StateStopped)
		p.wg.Wait()
	}()

	done := p.exitSignal()

	_ = p.Send(newCommand(constants.CmdQuit))
	if waitFor(done, p.cfg.StopTimeout) {
		return nil
	}

	p.logger.WithField("module", p.cfg.Name).Warn("module did not quit within stop_timeout, sending SIGTERM")
	if cmd.Process != nil {
		_ = cmd.Process.Signal(unix.SIGTERM)
	}
	if waitFor(done, p.cfg.TermGrace) {
		return nil
	}

	p.logger.WithField("module", p.cfg.Name).Error("module did not exit after SIGTERM, sending SIGKILL")
	p.mu.Lock()
	p.forcefullyStopped = true
	p.mu.Unlock()
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("module %s: kill: %w", p.cfg.Name, err)
		}
	}
	waitFor(done, constants.DefaultKillGrace)
	return nil
}

// exitSignal returns a channel closed once the child process has exited.
func (p *Process) exitSignal() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	return done
}

func waitFor(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
