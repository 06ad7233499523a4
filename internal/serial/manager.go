package serial

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// DeviceDescriptor mirrors the assign_device command payload.
type DeviceDescriptor struct {
	DeviceID   string
	Port       string
	Baudrate   int
	IsWireless bool
	DeviceType string
}

// Port is the minimal contract a serial transport must satisfy; a real
// implementation negotiates baud/parity below this interface.
type Port interface {
	io.ReadWriteCloser
}

// osFilePort opens the device path with the OS file API. Baud rate
// negotiation is left to the platform's termios layer; this package
// only frames bytes.
type osFilePort struct {
	*os.File
}

func openPort(path string) (Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	return &osFilePort{f}, nil
}

// device is one open, framed serial connection.
type device struct {
	desc   DeviceDescriptor
	port   Port
	reader *bufio.Reader

	mu       sync.Mutex
	closed   bool
}

// Manager owns the set of open DRT-class serial ports, keyed by
// device_id, behind the assign_device/unassign_device commands.
type Manager struct {
	logger *logging.Logger

	mu      sync.Mutex
	devices map[string]*device
	openFn  func(path string) (Port, error)
}

// NewManager constructs an empty Manager.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		logger:  logger,
		devices: make(map[string]*device),
		openFn:  openPort,
	}
}

// AssignDevice implements the assign_device command: opens the port if
// not already tracked for this device_id (idempotent on repeat calls with
// the same descriptor).
func (m *Manager) AssignDevice(desc DeviceDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[desc.DeviceID]; ok {
		return nil
	}

	port, err := m.openFn(desc.Port)
	if err != nil {
		return err
	}

	m.devices[desc.DeviceID] = &device{
		desc:   desc,
		port:   port,
		reader: bufio.NewReader(port),
	}

	if m.logger != nil {
		m.logger.WithFields(logging.Fields{
			"device_id": desc.DeviceID, "port": desc.Port, "baudrate": desc.Baudrate, "wireless": desc.IsWireless,
		}).Info("serial device assigned")
	}
	return nil
}

// UnassignDevice implements unassign_device: closes and forgets the
// device. Unknown device_ids are a no-op.
func (m *Manager) UnassignDevice(deviceID string) error {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.port.Close()
}

// WriteFrame sends a CRC16-framed payload to an assigned device.
func (m *Manager) WriteFrame(deviceID string, payload []byte) error {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("serial: device %q not assigned", deviceID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("serial: device %q closed", deviceID)
	}
	_, err := d.port.Write(EncodeFrame(payload))
	return err
}

// IsAssigned reports whether a device_id currently has an open port.
func (m *Manager) IsAssigned(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[deviceID]
	return ok
}

// Close tears down every open device, used during supervisor shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*device)
	m.mu.Unlock()

	for id, d := range devices {
		d.mu.Lock()
		if !d.closed {
			d.closed = true
			_ = d.port.Close()
		}
		d.mu.Unlock()
		if m.logger != nil {
			m.logger.WithFields(logging.Fields{"device_id": id}).Info("serial device closed")
		}
	}
}
