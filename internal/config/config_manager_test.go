package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  output_dir: /tmp/sessions\n")

	cm := CreateConfigManager()
	require.NoError(t, cm.LoadConfig(path))

	cfg := cm.GetConfig()
	assert.Equal(t, "/tmp/sessions", cfg.Supervisor.OutputDir)
	assert.Equal(t, "headless", cfg.Supervisor.Mode)
	assert.Equal(t, 80, cfg.Storage.WarnPercent)
	assert.Equal(t, 90, cfg.Storage.BlockPercent)
	assert.True(t, cfg.HTTPHealth.Enabled)
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	cm := CreateConfigManager()
	assert.Error(t, cm.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadConfigRejectsEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cm := CreateConfigManager()
	assert.Error(t, cm.LoadConfig(path))
}

func TestLoadConfigRejectsBadMode(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  mode: turbo\n")
	cm := CreateConfigManager()
	assert.Error(t, cm.LoadConfig(path))
}

func TestLoadConfigRejectsInvertedStorageThresholds(t *testing.T) {
	path := writeConfig(t, "storage:\n  warn_percent: 95\n  block_percent: 90\n")
	cm := CreateConfigManager()
	assert.Error(t, cm.LoadConfig(path))
}

func TestLoadConfigRejectsBadResolutionPreset(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  resolution_preset: 99\n")
	cm := CreateConfigManager()
	assert.Error(t, cm.LoadConfig(path))
}

func TestGetConfigWithoutLoadReturnsDefaults(t *testing.T) {
	cm := CreateConfigManager()
	cfg := cm.GetConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "headless", cfg.Supervisor.Mode)
	assert.NotEmpty(t, cfg.Supervisor.StateDir)
}

func TestUpdateCallbackFiresOnLoad(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  output_dir: /tmp/out\n")

	cm := CreateConfigManager()
	fired := make(chan *Config, 1)
	cm.AddUpdateCallback(func(c *Config) { fired <- c })

	require.NoError(t, cm.LoadConfig(path))
	select {
	case c := <-fired:
		assert.Equal(t, "/tmp/out", c.Supervisor.OutputDir)
	default:
		// Callbacks run on their own goroutines; give them a beat.
		c := <-fired
		assert.Equal(t, "/tmp/out", c.Supervisor.OutputDir)
	}
}
