// Package session computes the deterministic, traversal-safe session
// and trial file layout: one timestamped directory per session, with
// per-module subdirectories and a fixed filename grammar encoding
// trial number, camera key, resolution and frame rate.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// InvalidSessionPathError signals a traversal attempt or unresolvable path.
type InvalidSessionPathError struct {
	Path   string
	Reason string
}

func (e *InvalidSessionPathError) Error() string {
	return fmt.Sprintf("invalid session path %q: %s", e.Path, e.Reason)
}

var sanitizeAllowed = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// SanitizePathComponent strips null bytes, replaces path separators with
// "_", collapses ".." into "__", restricts to [A-Za-z0-9_.-], replaces a
// leading dot, and falls back to "experiment" if the result is empty.
// Idempotent: SanitizePathComponent(SanitizePathComponent(s)) == SanitizePathComponent(s).
func SanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "__")
	s = sanitizeAllowed.ReplaceAllString(s, "_")
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	if s == "" {
		s = "experiment"
	}
	return s
}

// Paths holds the deterministic directory/filename layout for one session.
type Paths struct {
	SessionDir  string
	CamerasDir  string
	AudioDir    string
	DRTDir      string
	SessionName string
	Timestamp   string // YYYYMMDD_HHMMSS, computed once at session creation
}

// TrialPaths names all per-camera artifacts for one trial.
type TrialPaths struct {
	SessionDir   string
	CameraDir    string
	VideoPath    string
	TimingPath   string
	MetadataPath string
}

// CreateSessionDir computes and creates a session tree. In command_mode the
// output_root is used directly (the caller is a scripted harness); in
// interactive mode a session_name of "{prefix}_{YYYYMMDD_HHMMSS}" is
// created under output_root and validated to resolve strictly beneath it.
func CreateSessionDir(outputRoot, prefix string, commandMode bool, now time.Time, logger *logging.Logger) (*Paths, error) {
	absRoot, err := filepath.Abs(outputRoot)
	if err != nil {
		return nil, &InvalidSessionPathError{Path: outputRoot, Reason: err.Error()}
	}

	var sessionDir, sessionName string
	if commandMode {
		sessionDir = absRoot
		sessionName = filepath.Base(absRoot)
	} else {
		sanitizedPrefix := SanitizePathComponent(prefix)
		sessionName = fmt.Sprintf("%s_%s", sanitizedPrefix, now.Format("20060102_150405"))
		sessionDir = filepath.Join(absRoot, sessionName)
	}

	canonicalRoot, err := canonicalize(absRoot)
	if err != nil {
		return nil, &InvalidSessionPathError{Path: outputRoot, Reason: err.Error()}
	}
	canonicalChild, err := canonicalize(sessionDir)
	if err != nil {
		return nil, &InvalidSessionPathError{Path: sessionDir, Reason: err.Error()}
	}
	if !isPrefixPath(canonicalRoot, canonicalChild) {
		return nil, &InvalidSessionPathError{Path: sessionDir, Reason: "resolves outside output root"}
	}

	p := &Paths{
		SessionDir:  sessionDir,
		CamerasDir:  filepath.Join(sessionDir, "Cameras"),
		AudioDir:    filepath.Join(sessionDir, "AudioRecorder"),
		DRTDir:      filepath.Join(sessionDir, "DRT"),
		SessionName: sessionName,
		Timestamp:   now.Format("20060102_150405"),
	}

	for _, dir := range []string{p.SessionDir, p.CamerasDir, p.AudioDir, p.DRTDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session directory %s: %w", dir, err)
		}
	}

	if logger != nil {
		logger.WithFields(logging.Fields{
			"session_dir":  p.SessionDir,
			"command_mode": commandMode,
		}).Info("session directory created")
	}

	return p, nil
}

// canonicalize resolves symlinks so comparisons are traversal-proof even
// when a component is itself a symlink (EvalSymlinks fails gracefully for
// paths that don't exist yet by walking up to the first existing parent).
func canonicalize(path string) (string, error) {
	p := path
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			rest, rerr := filepath.Rel(p, path)
			if rerr != nil {
				return resolved, nil
			}
			return filepath.Join(resolved, rest), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path, nil
		}
		p = parent
	}
}

func isPrefixPath(root, child string) bool {
	root = filepath.Clean(root)
	child = filepath.Clean(child)
	if root == child {
		return true
	}
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ResolveTrialPaths computes the filename grammar
// "{timestamp}_{kind}_trial{NNN}_{camera_key}_{WxH}_{fps}.{ext}" for one
// camera/trial pair. The video and metadata names follow it; the timing
// CSV name ends at the camera key:
// "{timestamp}_CAMTIMING_trial{NNN}_{camera_key}.csv".
func ResolveTrialPaths(p *Paths, cameraKey string, trialNumber int, width, height int, fps float64) TrialPaths {
	stem := fmt.Sprintf("trial%03d_%s_%dx%d_%dfps", trialNumber, SanitizePathComponent(cameraKey), width, height, int(fps+0.5))
	return TrialPaths{
		SessionDir:   p.SessionDir,
		CameraDir:    p.CamerasDir,
		VideoPath:    filepath.Join(p.CamerasDir, fmt.Sprintf("%s_CAM_%s.mp4", p.Timestamp, stem)),
		TimingPath:   filepath.Join(p.CamerasDir, fmt.Sprintf("%s_CAMTIMING_trial%03d_%s.csv", p.Timestamp, trialNumber, SanitizePathComponent(cameraKey))),
		MetadataPath: filepath.Join(p.CamerasDir, fmt.Sprintf("%s_CAM_%s.meta.json", p.Timestamp, stem)),
	}
}

// ControlCSVPath is the event log for the whole session.
func ControlCSVPath(p *Paths) string {
	return filepath.Join(p.SessionDir, fmt.Sprintf("%s_CONTROL.csv", p.Timestamp))
}

// SyncMetadataPath is the per-trial sync JSON written by Sync & Mux.
func SyncMetadataPath(p *Paths, trialNumber int) string {
	return filepath.Join(p.SessionDir, fmt.Sprintf("%s_SYNC_trial%03d.json", p.Timestamp, trialNumber))
}

// MuxedOutputPath is the per-camera muxed A/V output for a trial.
func MuxedOutputPath(p *Paths, cameraIndex, trialNumber int) string {
	return filepath.Join(p.SessionDir, fmt.Sprintf("%s_AV_CAM%d_trial%03d.mp4", p.Timestamp, cameraIndex, trialNumber))
}
