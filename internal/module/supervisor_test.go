package module

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrecorder/capturesvc/internal/config"
	"github.com/labrecorder/capturesvc/internal/statestore"
)

// fakeModuleScript is a minimal well-behaved module: reports
// initializing/initialized on startup, answers the recording commands,
// and exits cleanly on quit.
const fakeModuleScript = `#!/bin/sh
echo '{"status":"initializing","data":{"message":"opening"}}'
echo '{"status":"initialized","data":{"ready_ms":5}}'
while read line; do
  case "$line" in
    *start_recording*) echo '{"status":"recording_started","data":{"trial_number":1}}' ;;
    *stop_recording*)  echo '{"status":"recording_stopped","data":{"trial_number":1}}' ;;
    *quit*)            echo '{"status":"quitting","data":{"message":"bye"}}'; exit 0 ;;
  esac
done
`

func writeFakeModule(t *testing.T, modulesDir, name string, multiInstance bool, devices []DeviceMatch) {
	t.Helper()
	dir := filepath.Join(modulesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeModuleScript), 0o755))

	m := manifest{
		DisplayName:   name,
		ModuleID:      name,
		EntryPoint:    script,
		MultiInstance: multiInstance,
		Devices:       devices,
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644))
}

func newTestSupervisor(t *testing.T, moduleNames ...string) (*Supervisor, *statestore.Store, string) {
	t.Helper()
	root := t.TempDir()
	modulesDir := filepath.Join(root, "modules")
	stateDir := filepath.Join(root, "state")

	for _, name := range moduleNames {
		writeFakeModule(t, modulesDir, name, false, nil)
	}
	require.NoError(t, os.MkdirAll(modulesDir, 0o755))

	infos, err := DiscoverModules(modulesDir)
	require.NoError(t, err)

	store := statestore.New(modulesDir, stateDir, nil)
	cfg := config.SupervisorConfig{
		OutputDir:      filepath.Join(root, "sessions"),
		SessionPrefix:  "exp",
		ModulesDir:     modulesDir,
		StateDir:       stateDir,
		StartTimeout:   5 * time.Second,
		StopTimeout:    2 * time.Second,
		TermGrace:      time.Second,
		CleanupTimeout: 2 * time.Second,
	}
	return NewSupervisor(cfg, infos, store, nil, nil, nil), store, root
}

func waitForState(t *testing.T, sup *Supervisor, instanceID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, snap := range sup.ModuleStatuses() {
			if snap.InstanceID == instanceID && snap.State == want {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "instance %s never reached %s", instanceID, want)
}

func TestSetModuleEnabledStartsAndStops(t *testing.T) {
	sup, store, _ := newTestSupervisor(t, "cameras")
	ctx := context.Background()

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	waitForState(t, sup, "cameras", StateIdle)
	assert.True(t, store.LoadModuleState("cameras").Enabled)

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", false))
	waitForState(t, sup, "cameras", StateStopped)
	assert.False(t, store.LoadModuleState("cameras").Enabled)
}

func TestSetModuleEnabledTwiceIsNoop(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "cameras")
	ctx := context.Background()

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	waitForState(t, sup, "cameras", StateIdle)

	tm, ok := sup.moduleByName("cameras")
	require.True(t, ok)
	firstPID := tm.proc.PID()
	require.NotZero(t, firstPID)

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	assert.Equal(t, firstPID, tm.proc.PID(), "second enable must not respawn")

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", false))
	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", false))
}

func TestCrashDisablesModuleAndExcludesFromRecovery(t *testing.T) {
	sup, store, _ := newTestSupervisor(t, "cameras", "gps")
	ctx := context.Background()

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	require.NoError(t, sup.SetModuleEnabled(ctx, "gps", true))
	waitForState(t, sup, "cameras", StateIdle)
	waitForState(t, sup, "gps", StateIdle)

	tm, _ := sup.moduleByName("cameras")
	pid := tm.proc.PID()
	require.NotZero(t, pid)
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	waitForState(t, sup, "cameras", StateCrashed)
	assert.False(t, store.LoadModuleState("cameras").Enabled, "crash must persist enabled=false")
	assert.True(t, store.IsCrashed("cameras"))

	// The healthy module is untouched.
	waitForState(t, sup, "gps", StateIdle)
	assert.True(t, store.LoadModuleState("gps").Enabled)

	running := sup.RunningModules()
	assert.False(t, running["cameras"], "crashed module excluded from recovery set")
	assert.True(t, running["gps"])

	require.NoError(t, sup.SetModuleEnabled(ctx, "gps", false))
}

func TestStartupRestoresRecoveryUnion(t *testing.T) {
	sup, store, _ := newTestSupervisor(t, "cameras", "gps")
	ctx := context.Background()

	// gps is enabled on disk, cameras only appears in the recovery file.
	store.OnUserToggleEnabled("gps", true)
	require.NoError(t, store.SaveStartupSnapshot(map[string]bool{"cameras": true}))

	require.NoError(t, sup.Startup(ctx))
	waitForState(t, sup, "cameras", StateIdle)
	waitForState(t, sup, "gps", StateIdle)

	// Recovery file survives startup; it is deleted only after a clean
	// shutdown has completed.
	_, ok := store.LoadRecoveryState()
	assert.True(t, ok)

	_ = sup.StopAll(ctx)
}

func TestTrialCounterIncrementsOnlyOnStop(t *testing.T) {
	sup, _, root := newTestSupervisor(t, "cameras")
	ctx := context.Background()

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	waitForState(t, sup, "cameras", StateIdle)

	sessionDir := filepath.Join(root, "cmdmode")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, sup.StartSession(ctx, sessionDir))

	trial, err := sup.StartTrial(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, trial)
	assert.Equal(t, 0, sup.CurrentSession().TrialCounter, "counter advances only after stop")

	_, err = sup.StartTrial(ctx, "T2")
	assert.Error(t, err, "trial already active")

	require.NoError(t, sup.StopTrial(ctx))
	assert.Equal(t, 1, sup.CurrentSession().TrialCounter)

	trial, err = sup.StartTrial(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, 2, trial)
	require.NoError(t, sup.StopTrial(ctx))

	require.NoError(t, sup.StopSession(ctx))
	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", false))
}

func TestControlCSVRecordsSessionLifecycle(t *testing.T) {
	sup, _, root := newTestSupervisor(t, "cameras")
	ctx := context.Background()

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", true))
	waitForState(t, sup, "cameras", StateIdle)

	sessionDir := filepath.Join(root, "cmdmode")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, sup.StartSession(ctx, sessionDir))
	_, err := sup.StartTrial(ctx, "T1")
	require.NoError(t, err)
	require.NoError(t, sup.StopTrial(ctx))
	require.NoError(t, sup.StopSession(ctx))

	matches, err := filepath.Glob(filepath.Join(sessionDir, "*_CONTROL.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	var events []string
	for _, row := range rows[1:] {
		events = append(events, row[1])
	}
	assert.Equal(t, []string{"session_start", "trial_start", "trial_stop", "session_stop"}, events)

	require.NoError(t, sup.SetModuleEnabled(ctx, "cameras", false))
}

func TestStartSessionRefusedWhileActive(t *testing.T) {
	sup, _, root := newTestSupervisor(t)
	ctx := context.Background()

	sessionDir := filepath.Join(root, "cmdmode")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, sup.StartSession(ctx, sessionDir))
	assert.Error(t, sup.StartSession(ctx, sessionDir))
	require.NoError(t, sup.StopSession(ctx))
}

func TestStartTrialWithoutSessionFails(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	_, err := sup.StartTrial(context.Background(), "")
	assert.Error(t, err)
}
