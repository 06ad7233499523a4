package module

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrecorder/capturesvc/internal/config"
	"github.com/labrecorder/capturesvc/internal/statestore"
)

type fakeScanner struct {
	devices []DiscoveredDevice
}

func (s *fakeScanner) Scan() ([]DiscoveredDevice, error) { return s.devices, nil }

func newMultiInstanceSupervisor(t *testing.T) (*Supervisor, []ModuleInfo) {
	t.Helper()
	root := t.TempDir()
	modulesDir := filepath.Join(root, "modules")
	stateDir := filepath.Join(root, "state")

	writeFakeModule(t, modulesDir, "drt", true, []DeviceMatch{
		{VendorID: "0403", ProductID: "6001", DeviceType: "drt", Baudrate: 115200},
	})

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
	return NewSupervisor(cfg, infos, store, nil, nil, nil), infos
}

func TestDeviceMonitorSpawnsInstancePerDevice(t *testing.T) {
	sup, infos := newMultiInstanceSupervisor(t)
	ctx := context.Background()

	dev := DiscoveredDevice{
		Key:     DeviceKey{VendorID: "0403", ProductID: "6001", Port: "1-1.3"},
		DevNode: "/dev/ttyUSB0",
	}
	scanner := &fakeScanner{devices: []DiscoveredDevice{dev}}
	mon := NewDeviceMonitor(scanner, sup, infos, time.Second, nil)

	mon.Poll(ctx)

	instanceID := "drt:" + dev.Key.String()
	waitForState(t, sup, instanceID, StateIdle)

	// Same scan again: no duplicate instance.
	mon.Poll(ctx)
	count := 0
	for _, snap := range sup.ModuleStatuses() {
		if snap.InstanceID == instanceID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Disconnect stops the per-device child.
	scanner.devices = nil
	mon.Poll(ctx)
	require.Eventually(t, func() bool {
		for _, snap := range sup.ModuleStatuses() {
			if snap.InstanceID == instanceID {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	_ = sup.StopAll(ctx)
}

func TestDeviceMonitorIgnoresUnownedDevices(t *testing.T) {
	sup, infos := newMultiInstanceSupervisor(t)
	ctx := context.Background()

	scanner := &fakeScanner{devices: []DiscoveredDevice{{
		Key: DeviceKey{VendorID: "dead", ProductID: "beef", Port: "1-2"},
	}}}
	mon := NewDeviceMonitor(scanner, sup, infos, time.Second, nil)
	mon.Poll(ctx)

	assert.Empty(t, sup.ModuleStatuses(), "no instance spawned for an unowned device")
}
