package module

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrecorder/capturesvc/internal/constants"
)

func newFakeProcess(t *testing.T, script string) *Process {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	cfg := ProcessConfig{
		Name:         "fake",
		ExecPath:     path,
		LogFilePath:  filepath.Join(dir, "fake.log"),
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
		TermGrace:    time.Second,
	}
	return NewProcess(cfg, nil, nil, nil)
}

func TestProcessSendBeforeStartIsStateTransitionError(t *testing.T) {
	p := newFakeProcess(t, fakeModuleScript)
	err := p.Send(Command{Command: constants.CmdGetStatus})
	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, StateStopped, ste.From)
}

func TestProcessGracefulQuit(t *testing.T) {
	p := newFakeProcess(t, fakeModuleScript)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.False(t, p.ForcefullyStopped())
}

func TestProcessStuckChildIsForcefullyStopped(t *testing.T) {
	// Ignores quit and SIGTERM; only SIGKILL ends it.
	script := "#!/bin/sh\ntrap '' TERM\necho '{\"status\":\"initialized\",\"data\":{\"ready_ms\":1}}'\nwhile true; do sleep 1; done\n"
	p := newFakeProcess(t, script)
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.State() == StateIdle }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, p.ForcefullyStopped())
}

func TestProcessStartTimeoutMovesToError(t *testing.T) {
	// Never reports any status.
	script := "#!/bin/sh\nwhile true; do sleep 1; done\n"
	p := newFakeProcess(t, script)
	p.cfg.StartTimeout = 100 * time.Millisecond
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return p.State() == StateError }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))
}
