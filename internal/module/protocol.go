package module

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/labrecorder/capturesvc/internal/constants"
)

// Command is one line of the supervisor-to-child JSON channel.
// Fields are a superset across all command kinds; omitempty keeps the
// wire line minimal per command.
type Command struct {
	Command string `json:"command"`

	SessionDir string `json:"session_dir,omitempty"`

	TrialNumber int    `json:"trial_number,omitempty"`
	Label       string `json:"label,omitempty"`

	DeviceID   string `json:"device_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Port       string `json:"port,omitempty"`
	Baudrate   int    `json:"baudrate,omitempty"`
	IsWireless bool   `json:"is_wireless,omitempty"`

	Size      string `json:"size,omitempty"`
	FPS       float64 `json:"fps,omitempty"`
	Format    string `json:"format,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// Status is one line of the child-to-supervisor JSON channel.
// Data is deliberately untyped: its shape is status-dependent and the
// supervisor only inspects the handful of keys it cares about.
type Status struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

func newCommand(name string) Command { return Command{Command: name} }

// Encode marshals cmd as a single newline-terminated JSON line.
func Encode(cmd Command) ([]byte, error) {
	line, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("module: encode command %q: %w", cmd.Command, err)
	}
	return append(line, '\n'), nil
}

// DecodeCommand parses one JSON command line. Malformed lines and lines
// without a command field return an error for the caller to log.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("module: malformed command line: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("module: command line missing command field")
	}
	return cmd, nil
}

// WriteCommand encodes and writes cmd to w, one JSON object per line.
func WriteCommand(w io.Writer, cmd Command) error {
	line, err := Encode(cmd)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// StatusReader decodes newline-delimited JSON Status lines from a child's
// stdout. Malformed lines surface as a CommandProtocolError-shaped status
// rather than aborting the scan, so one bad line from a module cannot
// wedge the supervisor's status fan-in.
type StatusReader struct {
	scanner *bufio.Scanner
}

func NewStatusReader(r io.Reader) *StatusReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StatusReader{scanner: s}
}

// Next returns the next decoded status line, or io.EOF once the child's
// stdout is closed.
func (r *StatusReader) Next() (Status, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Status{}, fmt.Errorf("module: read status: %w", err)
		}
		return Status{}, io.EOF
	}

	line := r.scanner.Bytes()
	var st Status
	if err := json.Unmarshal(line, &st); err != nil {
		return Status{
			Status: constants.StatusError,
			Data: map[string]interface{}{
				"error_code": "CommandProtocolError",
				"message":    fmt.Sprintf("malformed status line: %v", err),
				"raw":        string(line),
			},
		}, nil
	}
	return st, nil
}
