package module

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrecorder/capturesvc/internal/constants"
)

func TestEncodeCommandOmitsEmptyFields(t *testing.T) {
	line, err := Encode(Command{Command: constants.CmdStopRecording})
	require.NoError(t, err)
	assert.Equal(t, "{\"command\":\"stop_recording\"}\n", string(line))
}

func TestEncodeStartRecordingCarriesTrialAndLabel(t *testing.T) {
	line, err := Encode(Command{Command: constants.CmdStartRecording, TrialNumber: 7, Label: "T1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"start_recording","trial_number":7,"label":"T1"}`, string(line))
}

func TestWriteCommandIsNewlineDelimited(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, Command{Command: constants.CmdGetStatus}))
	require.NoError(t, WriteCommand(&buf, Command{Command: constants.CmdQuit}))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
}

func TestStatusReaderDecodesLines(t *testing.T) {
	input := `{"status":"initializing","data":{"message":"opening devices"}}` + "\n" +
		`{"status":"initialized","data":{"ready_ms":412}}` + "\n"
	r := NewStatusReader(strings.NewReader(input))

	st, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, constants.StatusInitializing, st.Status)
	assert.Equal(t, "opening devices", st.Data["message"])

	st, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, constants.StatusInitialized, st.Status)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStatusReaderSurfacesMalformedLineAsProtocolError(t *testing.T) {
	r := NewStatusReader(strings.NewReader("not json\n"))
	st, err := r.Next()
	require.NoError(t, err, "a bad line must not abort the scan")
	assert.Equal(t, constants.StatusError, st.Status)
	assert.Equal(t, "CommandProtocolError", st.Data["error_code"])
	assert.Equal(t, "not json", st.Data["raw"])
}

func TestStripANSI(t *testing.T) {
	in := []byte("\x1b[31merror\x1b[0m done")
	assert.Equal(t, []byte("error done"), StripANSI(in))
	plain := []byte("no escapes here")
	assert.Equal(t, plain, StripANSI(plain))
}
