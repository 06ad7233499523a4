package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labrecorder/capturesvc/internal/logging"
	"github.com/labrecorder/capturesvc/internal/serial"
)

// DeviceKey identifies one physical USB device slot: same (VID, PID,
// port path) means the same device as far as module ownership goes, even
// across replug.
type DeviceKey struct {
	VendorID  string
	ProductID string
	Port      string
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s:%s@%s", k.VendorID, k.ProductID, k.Port)
}

// DiscoveredDevice is one present USB device with its tty node, if any.
type DiscoveredDevice struct {
	Key     DeviceKey
	DevNode string
}

// DeviceScanner enumerates currently present USB devices. The sysfs
// implementation is the production path; tests substitute a fake.
type DeviceScanner interface {
	Scan() ([]DiscoveredDevice, error)
}

// SysfsScanner walks /sys/bus/usb/devices, reading idVendor/idProduct
// per entry and locating the device's tty node when one exists. The
// entry name ("1-1.3") is the bus-port path and serves as the stable
// Port component of the key.
type SysfsScanner struct {
	Root string // defaults to /sys/bus/usb/devices
}

func (s *SysfsScanner) root() string {
	if s.Root != "" {
		return s.Root
	}
	return "/sys/bus/usb/devices"
}

func (s *SysfsScanner) Scan() ([]DiscoveredDevice, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return nil, fmt.Errorf("device monitor: scan %s: %w", s.root(), err)
	}

	var out []DiscoveredDevice
	for _, entry := range entries {
		name := entry.Name()
		// Interface nodes ("1-1.3:1.0") and root hubs ("usb1") are
		// skipped; only device nodes carry idVendor.
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}
		dir := filepath.Join(s.root(), name)
		vid, err := readSysfsAttr(dir, "idVendor")
		if err != nil {
			continue
		}
		pid, err := readSysfsAttr(dir, "idProduct")
		if err != nil {
			continue
		}
		out = append(out, DiscoveredDevice{
			Key:     DeviceKey{VendorID: vid, ProductID: pid, Port: name},
			DevNode: findTTYNode(dir),
		})
	}
	return out, nil
}

func readSysfsAttr(dir, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// findTTYNode looks for a ttyUSB*/ttyACM* child under any of the
// device's interface directories and returns its /dev path.
func findTTYNode(deviceDir string) string {
	matches, _ := filepath.Glob(filepath.Join(deviceDir, "*", "tty*"))
	more, _ := filepath.Glob(filepath.Join(deviceDir, "*", "tty", "tty*"))
	matches = append(matches, more...)
	for _, m := range matches {
		base := filepath.Base(m)
		if strings.HasPrefix(base, "ttyUSB") || strings.HasPrefix(base, "ttyACM") {
			return "/dev/" + base
		}
	}
	return ""
}

// DeviceMonitor polls a scanner and drives the supervisor's
// AssignDevice/UnassignDevice on connect/disconnect edges. Ownership is
// decided by the module manifests' DeviceMatch lists.
type DeviceMonitor struct {
	scanner  DeviceScanner
	sup      *Supervisor
	logger   *logging.Logger
	interval time.Duration

	owners map[string][]DeviceMatch // module name -> matches

	present map[DeviceKey]DiscoveredDevice
}

// NewDeviceMonitor builds a monitor over the supervisor's discovered
// module set. Modules without DeviceMatch entries are ignored.
func NewDeviceMonitor(scanner DeviceScanner, sup *Supervisor, infos []ModuleInfo, interval time.Duration, logger *logging.Logger) *DeviceMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	owners := make(map[string][]DeviceMatch)
	for _, info := range infos {
		if len(info.Devices) > 0 {
			owners[info.Name] = info.Devices
		}
	}
	return &DeviceMonitor{
		scanner:  scanner,
		sup:      sup,
		logger:   logger,
		interval: interval,
		owners:   owners,
		present:  make(map[DeviceKey]DiscoveredDevice),
	}
}

// Run polls until ctx is done, diffing each scan against the previous
// one and emitting connect/disconnect edges.
func (m *DeviceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one scan-and-diff cycle. Exported so tests and the
// supervisor's startup path can run a cycle synchronously.
func (m *DeviceMonitor) Poll(ctx context.Context) {
	devices, err := m.scanner.Scan()
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Debug("device monitor: scan failed")
		}
		return
	}

	current := make(map[DeviceKey]DiscoveredDevice, len(devices))
	for _, d := range devices {
		current[d.Key] = d
	}

	for key, d := range current {
		if _, known := m.present[key]; !known {
			m.onConnect(ctx, d)
		}
	}
	for key, d := range m.present {
		if _, still := current[key]; !still {
			m.onDisconnect(ctx, d)
		}
	}
	m.present = current
}

func (m *DeviceMonitor) ownerOf(key DeviceKey) (string, DeviceMatch, bool) {
	for name, matches := range m.owners {
		for _, match := range matches {
			if strings.EqualFold(match.VendorID, key.VendorID) && strings.EqualFold(match.ProductID, key.ProductID) {
				return name, match, true
			}
		}
	}
	return "", DeviceMatch{}, false
}

func (m *DeviceMonitor) onConnect(ctx context.Context, d DiscoveredDevice) {
	name, match, ok := m.ownerOf(d.Key)
	if !ok {
		return
	}
	if m.logger != nil {
		m.logger.WithFields(logging.Fields{"module": name, "device": d.Key.String(), "node": d.DevNode}).Info("device monitor: device connected")
	}
	err := m.sup.AssignDevice(ctx, name, serial.DeviceDescriptor{
		DeviceID:   d.Key.String(),
		Port:       d.DevNode,
		Baudrate:   match.Baudrate,
		IsWireless: match.IsWireless,
		DeviceType: match.DeviceType,
	})
	if err != nil && m.logger != nil {
		m.logger.WithFields(logging.Fields{"module": name, "device": d.Key.String()}).WithError(err).Warn("device monitor: assign failed")
	}
}

func (m *DeviceMonitor) onDisconnect(ctx context.Context, d DiscoveredDevice) {
	name, _, ok := m.ownerOf(d.Key)
	if !ok {
		return
	}
	if m.logger != nil {
		m.logger.WithFields(logging.Fields{"module": name, "device": d.Key.String()}).Info("device monitor: device disconnected")
	}
	if err := m.sup.UnassignDevice(ctx, name, d.Key.String()); err != nil && m.logger != nil {
		m.logger.WithFields(logging.Fields{"module": name, "device": d.Key.String()}).WithError(err).Warn("device monitor: unassign failed")
	}
}
