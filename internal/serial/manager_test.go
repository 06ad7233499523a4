package serial

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte("drt-event-12")
	frame := EncodeFrame(payload)
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeFrameRejectsCorruptCRC(t *testing.T) {
	frame := EncodeFrame([]byte("hello"))
	frame[len(frame)-1] ^= 0xFF
	_, err := DecodeFrame(frame)
	assert.Error(t, err)
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2})
	assert.Error(t, err)
}

// memPort is an in-memory Port backed by a buffer, standing in for a
// real device file in tests.
type memPort struct {
	buf    bytes.Buffer
	closed bool
}

func (p *memPort) Read(b []byte) (int, error) {
	if p.closed {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}
func (p *memPort) Write(b []byte) (int, error) { return p.buf.Write(b) }
func (p *memPort) Close() error                { p.closed = true; return nil }

func TestAssignUnassignDeviceLifecycle(t *testing.T) {
	m := NewManager(nil)
	port := &memPort{}
	m.openFn = func(path string) (Port, error) { return port, nil }

	desc := DeviceDescriptor{DeviceID: "drt-0", Port: "/dev/ttyUSB0", Baudrate: 115200, DeviceType: "drt"}
	require.NoError(t, m.AssignDevice(desc))
	assert.True(t, m.IsAssigned("drt-0"))

	require.NoError(t, m.WriteFrame("drt-0", []byte("ping")))
	assert.Greater(t, port.buf.Len(), 0)

	require.NoError(t, m.UnassignDevice("drt-0"))
	assert.False(t, m.IsAssigned("drt-0"))
	assert.True(t, port.closed)
}

func TestAssignDeviceIdempotent(t *testing.T) {
	m := NewManager(nil)
	opens := 0
	m.openFn = func(path string) (Port, error) {
		opens++
		return &memPort{}, nil
	}
	desc := DeviceDescriptor{DeviceID: "drt-0", Port: "/dev/ttyUSB0"}
	require.NoError(t, m.AssignDevice(desc))
	require.NoError(t, m.AssignDevice(desc))
	assert.Equal(t, 1, opens)
}

func TestWriteFrameUnknownDevice(t *testing.T) {
	m := NewManager(nil)
	err := m.WriteFrame("missing", []byte("x"))
	assert.Error(t, err)
}
