package statestore

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/labrecorder/capturesvc/internal/constants"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// Snapshot is the pair of persisted booleans read back by
// LoadModuleState.
type Snapshot struct {
	Enabled         bool
	DeviceConnected bool
}

// RecoveryState is the single process-scope recovery file:
// {timestamp: ISO8601, running_modules: [name, ...]}.
type RecoveryState struct {
	Timestamp      time.Time `json:"timestamp"`
	RunningModules []string  `json:"running_modules"`
}

// Store persists per-module state. One Store instance is owned by the
// supervisor and passed explicitly to subsystems; there is no global
// singleton.
type Store struct {
	modulesDir string // directory holding one config.txt per module
	stateDir   string // user state dir: recovery file + override configs
	logger     *logging.Logger

	phase int32 // atomic, one of constants.Phase*

	mu       sync.Mutex
	crashed  map[string]bool
	geometry map[string]string
}

// New constructs a Store. modulesDir holds "{module}/config.txt" files;
// stateDir is the user-scoped state directory, used for the recovery
// file and as the override directory when a module's config.txt is
// read-only. Module facts are written to config.txt under modulesDir
// when that write succeeds; only the fallback lands in stateDir.
func New(modulesDir, stateDir string, logger *logging.Logger) *Store {
	return &Store{
		modulesDir: modulesDir,
		stateDir:   stateDir,
		logger:     logger,
		crashed:    make(map[string]bool),
		geometry:   make(map[string]string),
	}
}

// SetPhase updates the AppPhase gate. Call with constants.Phase*.
func (s *Store) SetPhase(phase string) {
	atomic.StoreInt32(&s.phase, phaseCode(phase))
}

// phaseIsShuttingDown gates non-user writes from the moment shutdown
// begins; the Stopped phase keeps the gate closed so late callbacks
// racing process exit cannot dirty the persisted state either.
func (s *Store) phaseIsShuttingDown() bool {
	return atomic.LoadInt32(&s.phase) >= phaseCode(constants.PhaseShuttingDown)
}

func phaseCode(phase string) int32 {
	switch phase {
	case constants.PhaseInitializing:
		return 0
	case constants.PhaseRunning:
		return 1
	case constants.PhaseShuttingDown:
		return 2
	case constants.PhaseStopped:
		return 3
	default:
		return 0
	}
}

func (s *Store) configPath(module string) string {
	return filepath.Join(s.modulesDir, module, "config.txt")
}

func (s *Store) overridePath(primary string) string {
	abs, err := filepath.Abs(primary)
	if err != nil {
		abs = primary
	}
	sum := sha1.Sum([]byte(abs))
	return filepath.Join(s.stateDir, "overrides", hex.EncodeToString(sum[:])+".txt")
}

// readKV reads a module's config.txt, preferring the override file if one
// exists (it was written because the primary was read-only).
func (s *Store) readKV(module string) map[string]string {
	primary := s.configPath(module)
	override := s.overridePath(primary)

	if data, err := os.ReadFile(override); err == nil {
		return parseKV(data)
	}
	data, err := os.ReadFile(primary)
	if err != nil {
		return map[string]string{}
	}
	return parseKV(data)
}

// writeKV atomically rewrites a module's config.txt (write-temp → fsync →
// rename via renameio), falling back to the override file when the
// primary path is not writable. Write errors are logged and reported
// as false rather than propagated.
func (s *Store) writeKV(module string, kv map[string]string) bool {
	primary := s.configPath(module)
	data := serializeKV(kv)

	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err == nil {
		if err := renameio.WriteFile(primary, data, 0o644); err == nil {
			return true
		}
	}

	override := s.overridePath(primary)
	if err := os.MkdirAll(filepath.Dir(override), 0o700); err != nil {
		s.logFailure(module, "mkdir override dir", err)
		return false
	}
	if err := renameio.WriteFile(override, data, 0o644); err != nil {
		s.logFailure(module, "write override config", err)
		return false
	}
	return true
}

func (s *Store) logFailure(module, op string, err error) {
	if s.logger != nil {
		s.logger.WithFields(logging.Fields{"module": module, "op": op}).WithError(err).Error("state store write failed")
	}
}

// LoadModuleState implements load_module_state(name): unknown keys are
// ignored, missing file yields zero-value defaults.
func (s *Store) LoadModuleState(name string) Snapshot {
	kv := s.readKV(name)
	return Snapshot{
		Enabled:         parseBool(kv["enabled"], false),
		DeviceConnected: parseBool(kv["device_connected"], false),
	}
}

// OnDeviceConnected writes device_connected=true, skipped entirely
// while shutting down.
func (s *Store) OnDeviceConnected(name string) bool {
	if s.phaseIsShuttingDown() {
		return false
	}
	kv := s.readKV(name)
	kv["device_connected"] = formatBool(true)
	return s.writeKV(name, kv)
}

// OnUserDisconnect writes device_connected=false and enabled=false; an
// explicit user action, so it is written even during ShuttingDown.
func (s *Store) OnUserDisconnect(name string) bool {
	kv := s.readKV(name)
	kv["device_connected"] = formatBool(false)
	kv["enabled"] = formatBool(false)
	return s.writeKV(name, kv)
}

// OnInternalModuleClosed writes device_connected=false only, skipped
// while ShuttingDown.
func (s *Store) OnInternalModuleClosed(name string) bool {
	if s.phaseIsShuttingDown() {
		return false
	}
	kv := s.readKV(name)
	kv["device_connected"] = formatBool(false)
	return s.writeKV(name, kv)
}

// OnModuleCrash writes enabled=false; the module stays in the in-memory
// crashed set so the next startup sequence excludes it from recovery
// even if the recovery file still names it.
func (s *Store) OnModuleCrash(name string) bool {
	s.mu.Lock()
	s.crashed[name] = true
	s.mu.Unlock()

	kv := s.readKV(name)
	kv["enabled"] = formatBool(false)
	return s.writeKV(name, kv)
}

// IsCrashed reports whether a module has been marked crashed since Store
// construction (cleared only by process restart).
func (s *Store) IsCrashed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed[name]
}

// OnUserToggleEnabled always writes, even during shutdown: an explicit
// user action outranks the phase gate.
func (s *Store) OnUserToggleEnabled(name string, enabled bool) bool {
	kv := s.readKV(name)
	kv["enabled"] = formatBool(enabled)
	if enabled {
		s.mu.Lock()
		delete(s.crashed, name)
		s.mu.Unlock()
	}
	return s.writeKV(name, kv)
}

// SetGeometry persists window_geometry for an instance, keyed by the
// module name portion of instance_id ("module" or "module:device_key").
func (s *Store) SetGeometry(instanceID, geometry string) bool {
	s.mu.Lock()
	s.geometry[instanceID] = geometry
	s.mu.Unlock()

	module := moduleNameOf(instanceID)
	kv := s.readKV(module)
	kv["window_geometry"] = geometry
	return s.writeKV(module, kv)
}

// GetGeometry returns the last known geometry for an instance, checking
// the in-memory cache first and falling back to the persisted config.
func (s *Store) GetGeometry(instanceID string) (string, bool) {
	s.mu.Lock()
	if g, ok := s.geometry[instanceID]; ok {
		s.mu.Unlock()
		return g, true
	}
	s.mu.Unlock()

	kv := s.readKV(moduleNameOf(instanceID))
	g, ok := kv["window_geometry"]
	return g, ok && g != ""
}

func moduleNameOf(instanceID string) string {
	for i := 0; i < len(instanceID); i++ {
		if instanceID[i] == ':' {
			return instanceID[:i]
		}
	}
	return instanceID
}

func (s *Store) recoveryPath() string {
	return filepath.Join(s.stateDir, "running_modules.json")
}

// SaveStartupSnapshot persists the set of modules actually running right
// after the supervisor's startup sequence completes.
func (s *Store) SaveStartupSnapshot(running map[string]bool) error {
	return s.saveRecovery(running)
}

// SaveShutdownSnapshot persists the set of modules that were running
// before cleanup began, filtered by the caller to exclude crashed and
// forcefully-stopped modules.
func (s *Store) SaveShutdownSnapshot(running map[string]bool) error {
	return s.saveRecovery(running)
}

func (s *Store) saveRecovery(running map[string]bool) error {
	names := make([]string, 0, len(running))
	for name, ok := range running {
		if ok {
			names = append(names, name)
		}
	}
	rs := RecoveryState{Timestamp: time.Now().UTC(), RunningModules: names}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal recovery state: %w", err)
	}
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir state dir: %w", err)
	}
	if err := renameio.WriteFile(s.recoveryPath(), data, 0o644); err != nil {
		return fmt.Errorf("statestore: write recovery file: %w", err)
	}
	return nil
}

// LoadRecoveryState reads the recovery file, returning (nil, false) if
// absent.
func (s *Store) LoadRecoveryState() (map[string]bool, bool) {
	data, err := os.ReadFile(s.recoveryPath())
	if err != nil {
		return nil, false
	}
	var rs RecoveryState
	if err := json.Unmarshal(data, &rs); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("statestore: corrupt recovery file, ignoring")
		}
		return nil, false
	}
	out := make(map[string]bool, len(rs.RunningModules))
	for _, n := range rs.RunningModules {
		out[n] = true
	}
	return out, true
}

// DeleteRecoveryFile removes the recovery file. Callers must only
// invoke this after both a startup snapshot has been written and a
// clean shutdown has completed.
func (s *Store) DeleteRecoveryFile() error {
	err := os.Remove(s.recoveryPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: delete recovery file: %w", err)
	}
	return nil
}
