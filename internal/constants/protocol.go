package constants

import "time"

// Wire protocol command and status names exchanged as newline-delimited
// JSON over a module process's stdin/stdout.
const (
	CmdStartSession         = "start_session"
	CmdStopSession          = "stop_session"
	CmdStartRecording       = "start_recording"
	CmdStopRecording        = "stop_recording"
	CmdGetStatus            = "get_status"
	CmdQuit                 = "quit"
	CmdAssignDevice         = "assign_device"
	CmdUnassignDevice       = "unassign_device"
	CmdShowWindow           = "show_window"
	CmdUpdateRecordSettings = "update_record_settings"
)

// Status messages a module process reports back on stdout.
const (
	StatusInitializing  = "initializing"
	StatusInitialized   = "initialized"
	StatusReport        = "status_report"
	StatusRecordingStarted = "recording_started"
	StatusRecordingStopped = "recording_stopped"
	StatusQuitting      = "quitting"
	StatusShutdownStarted = "shutdown_started"
	StatusError         = "error"
	StatusEvent         = "event"
	StatusGeometryChanged = "geometry_changed"
)

// ModuleState names. Mirrors the lifecycle in the persisted state snapshot.
const (
	ModuleStateStopped      = "stopped"
	ModuleStateStarting     = "starting"
	ModuleStateInitializing = "initializing"
	ModuleStateIdle         = "idle"
	ModuleStateRecording    = "recording"
	ModuleStateError        = "error"
	ModuleStateCrashed      = "crashed"
)

// AppPhase names for the config/state persistence gate.
const (
	PhaseInitializing = "initializing"
	PhaseRunning      = "running"
	PhaseShuttingDown = "shutting_down"
	PhaseStopped      = "stopped"
)

// Shutdown coordinator timing defaults.
const (
	DefaultQuitGrace    = 3 * time.Second
	DefaultTermGrace    = 2 * time.Second
	DefaultKillGrace    = 1 * time.Second
)

// Router preview (coalescing) queue size used by the entry point; the
// record (wait-for-space) queue size is passed separately.
const (
	RouterQueueSize = 2
)
