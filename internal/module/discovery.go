package module

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ModuleInfo is the discovered, launchable description of one module
//: `{name, display_name, module_id, entry_point,
// config_path?}`.
type ModuleInfo struct {
	Name          string
	DisplayName   string
	ModuleID      string
	EntryPoint    string
	Args          []string
	ConfigPath    string
	MultiInstance bool
	Devices       []DeviceMatch
}

// DeviceMatch declares a USB device family a module owns, so the device
// monitor can auto-wire hotplug events to assign_device/unassign_device.
type DeviceMatch struct {
	VendorID   string `json:"vid"`
	ProductID  string `json:"pid"`
	DeviceType string `json:"device_type"`
	Baudrate   int    `json:"baudrate"`
	IsWireless bool   `json:"is_wireless"`
}

type manifest struct {
	DisplayName   string        `json:"display_name"`
	ModuleID      string        `json:"module_id"`
	EntryPoint    string        `json:"entry_point"`
	Args          []string      `json:"args"`
	MultiInstance bool          `json:"multi_instance"`
	Devices       []DeviceMatch `json:"devices"`
}

// DiscoverModules scans modulesDir's fixed layout: one subdirectory per
// module, each holding a manifest.json (launch metadata) and a
// config.txt (the key=value state read by statestore.Store).
// Subdirectories without a manifest.json are skipped rather than
// treated as an error, so stray directories don't abort discovery.
func DiscoverModules(modulesDir string) ([]ModuleInfo, error) {
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return nil, fmt.Errorf("module: discover modules in %s: %w", modulesDir, err)
	}

	modules := make([]ModuleInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		manifestPath := filepath.Join(modulesDir, name, "manifest.json")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		modules = append(modules, ModuleInfo{
			Name:          name,
			DisplayName:   m.DisplayName,
			ModuleID:      m.ModuleID,
			EntryPoint:    m.EntryPoint,
			Args:          m.Args,
			ConfigPath:    filepath.Join(modulesDir, name, "config.txt"),
			MultiInstance: m.MultiInstance,
			Devices:       m.Devices,
		})
	}
	return modules, nil
}
