package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverModulesReadsManifests(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir, "cameras", false, nil)
	writeFakeModule(t, modulesDir, "drt", true, []DeviceMatch{{VendorID: "0403", ProductID: "6001"}})

	infos, err := DiscoverModules(modulesDir)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byName := map[string]ModuleInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}

	assert.False(t, byName["cameras"].MultiInstance)
	assert.True(t, byName["drt"].MultiInstance)
	require.Len(t, byName["drt"].Devices, 1)
	assert.Equal(t, "0403", byName["drt"].Devices[0].VendorID)
	assert.Equal(t, filepath.Join(modulesDir, "cameras", "config.txt"), byName["cameras"].ConfigPath)
}

func TestDiscoverModulesSkipsDirsWithoutManifest(t *testing.T) {
	modulesDir := t.TempDir()
	writeFakeModule(t, modulesDir, "cameras", false, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(modulesDir, "stray"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "notes.txt"), []byte("x"), 0o644))

	infos, err := DiscoverModules(modulesDir)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "cameras", infos[0].Name)
}

func TestDiscoverModulesMissingDirErrors(t *testing.T) {
	_, err := DiscoverModules(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
