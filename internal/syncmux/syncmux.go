package syncmux

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// StreamInfo describes one synchronized stream in the sync metadata
// document. Audio entries carry AudioFile/FirstChunkFrames, camera
// entries VideoFile/SensorTimestampNs.
type StreamInfo struct {
	AudioFile         string  `json:"audio_file,omitempty"`
	VideoFile         string  `json:"video_file,omitempty"`
	TimingCSV         string  `json:"timing_csv"`
	StartTimeUnix     float64 `json:"start_time_unix"`
	FirstChunkFrames  int     `json:"first_chunk_frames,omitempty"`
	SensorTimestampNs *int64  `json:"sensor_timestamp_ns,omitempty"`
}

// Doc is the per-trial sync metadata written as {ts}_SYNC_trial{NNN}.json.
// Module keys follow the AudioRecorder_{j}/Camera_{i} convention.
type Doc struct {
	TrialNumber      int                   `json:"trial_number"`
	SessionTimestamp string                `json:"session_timestamp"`
	Modules          map[string]StreamInfo `json:"modules"`
}

// Muxer invokes an external A/V muxer for one camera. offsetSec is the
// audio-vs-video offset (video start minus audio start, in seconds).
type Muxer interface {
	Mux(ctx context.Context, videoPath, audioPath string, offsetSec float64, outPath string) error
}

// Generator scans one trial's artifacts, writes the sync document, and
// muxes each camera against the first audio stream.
type Generator struct {
	logger *logging.Logger
	muxer  Muxer

	// Materialization wait policy for .h264 segments still being
	// containerized: poll up to WaitTimeout, declaring the .mp4 complete
	// once its size is unchanged across StablePolls successive polls.
	WaitTimeout  time.Duration
	PollInterval time.Duration
	StablePolls  int
}

// NewGenerator constructs a Generator with the default wait policy
// (60 s timeout, 500 ms polls, 3 stable polls).
func NewGenerator(muxer Muxer, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.GetLogger("syncmux")
	}
	return &Generator{
		logger:       logger,
		muxer:        muxer,
		WaitTimeout:  60 * time.Second,
		PollInterval: 500 * time.Millisecond,
		StablePolls:  3,
	}
}

var (
	cameraVideoPattern = regexp.MustCompile(`_CAM_.*trial(\d{3})_(.+)_\d+x\d+_\d+fps\.(mp4|h264)$`)
	timestampPattern   = regexp.MustCompile(`^(\d{8}_\d{6})_`)
)

// Run generates the sync document for one trial and muxes every camera.
// Missing timing on either side degrades to a zero-offset mux with a
// warning; per-camera mux failures never abort the remaining cameras.
func (g *Generator) Run(ctx context.Context, sessionDir string, trial int) (*Doc, error) {
	trialTag := fmt.Sprintf("trial%03d", trial)

	videos, err := g.collectVideos(ctx, sessionDir, trialTag)
	if err != nil {
		return nil, err
	}
	audioWavs := globSorted(filepath.Join(sessionDir, "AudioRecorder", "*_AUDIO_"+trialTag+"_*.wav"))
	audioCSVs := globSorted(filepath.Join(sessionDir, "AudioRecorder", "*_AUDIOTIMING_"+trialTag+"_*.csv"))

	doc := &Doc{
		TrialNumber: trial,
		Modules:     make(map[string]StreamInfo),
	}

	for j, wav := range audioWavs {
		info := StreamInfo{AudioFile: wav}
		if j < len(audioCSVs) {
			info.TimingCSV = audioCSVs[j]
			start, frames, err := readAudioTiming(audioCSVs[j])
			if err != nil {
				g.logger.WithFields(logging.Fields{"csv": audioCSVs[j]}).WithError(err).Warn("syncmux: audio timing unreadable")
			} else {
				info.StartTimeUnix = start
				info.FirstChunkFrames = frames
			}
		} else {
			g.logger.WithFields(logging.Fields{"audio": wav}).Warn("syncmux: no timing csv for audio stream")
		}
		doc.Modules[fmt.Sprintf("AudioRecorder_%d", j)] = info
		if doc.SessionTimestamp == "" {
			doc.SessionTimestamp = sessionTimestampOf(wav)
		}
	}

	for i, v := range videos {
		info := StreamInfo{VideoFile: v.path, TimingCSV: v.timingCSV}
		if v.timingCSV != "" {
			start, sensorNs, err := readCameraTiming(v.timingCSV)
			if err != nil {
				g.logger.WithFields(logging.Fields{"csv": v.timingCSV}).WithError(err).Warn("syncmux: camera timing unreadable")
			} else {
				info.StartTimeUnix = start
				info.SensorTimestampNs = sensorNs
			}
		} else {
			g.logger.WithFields(logging.Fields{"video": v.path}).Warn("syncmux: no timing csv for camera stream")
		}
		doc.Modules[fmt.Sprintf("Camera_%d", i)] = info
		if doc.SessionTimestamp == "" {
			doc.SessionTimestamp = sessionTimestampOf(v.path)
		}
	}

	if doc.SessionTimestamp == "" {
		doc.SessionTimestamp = "00000000_000000"
	}

	syncPath := filepath.Join(sessionDir, fmt.Sprintf("%s_SYNC_%s.json", doc.SessionTimestamp, trialTag))
	if err := writeDoc(syncPath, doc); err != nil {
		return doc, err
	}
	g.logger.WithFields(logging.Fields{"path": syncPath, "streams": len(doc.Modules)}).Info("syncmux: sync metadata written")

	g.muxAll(ctx, sessionDir, trial, doc, videos)
	return doc, nil
}

type videoArtifact struct {
	path      string
	timingCSV string
	cameraKey string
}

// collectVideos finds this trial's camera outputs, waiting for any
// .h264 segment's .mp4 container to materialize, and pairs each video
// with its timing CSV by camera key.
func (g *Generator) collectVideos(ctx context.Context, sessionDir, trialTag string) ([]videoArtifact, error) {
	camerasDir := filepath.Join(sessionDir, "Cameras")
	mp4s := globSorted(filepath.Join(camerasDir, "*_CAM_*"+trialTag+"*.mp4"))
	h264s := globSorted(filepath.Join(camerasDir, "*_CAM_*"+trialTag+"*.h264"))

	have := make(map[string]bool, len(mp4s))
	for _, p := range mp4s {
		have[strings.TrimSuffix(p, ".mp4")] = true
	}
	for _, raw := range h264s {
		stem := strings.TrimSuffix(raw, ".h264")
		if have[stem] {
			continue
		}
		mp4 := stem + ".mp4"
		if err := g.waitForStableFile(ctx, mp4); err != nil {
			g.logger.WithFields(logging.Fields{"video": mp4}).WithError(err).Warn("syncmux: container never materialized, skipping stream")
			continue
		}
		mp4s = append(mp4s, mp4)
	}
	sort.Strings(mp4s)

	timingCSVs := globSorted(filepath.Join(camerasDir, "*_CAMTIMING_"+trialTag+"_*.csv"))

	out := make([]videoArtifact, 0, len(mp4s))
	for _, p := range mp4s {
		v := videoArtifact{path: p, cameraKey: cameraKeyOf(p)}
		for _, c := range timingCSVs {
			if v.cameraKey != "" && strings.Contains(filepath.Base(c), "_"+v.cameraKey+".csv") {
				v.timingCSV = c
				break
			}
		}
		if v.timingCSV == "" && len(timingCSVs) == 1 && len(mp4s) == 1 {
			v.timingCSV = timingCSVs[0]
		}
		out = append(out, v)
	}
	return out, nil
}

// waitForStableFile polls path until its size is non-zero and unchanged
// across StablePolls successive polls, or WaitTimeout elapses.
func (g *Generator) waitForStableFile(ctx context.Context, path string) error {
	deadline := time.Now().Add(g.WaitTimeout)
	var lastSize int64 = -1
	stable := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.PollInterval):
		}

		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			lastSize, stable = -1, 0
			continue
		}
		if info.Size() == lastSize {
			stable++
			if stable >= g.StablePolls-1 {
				return nil
			}
		} else {
			stable = 0
			lastSize = info.Size()
		}
	}
	return fmt.Errorf("syncmux: %s not stable within %s", path, g.WaitTimeout)
}

func (g *Generator) muxAll(ctx context.Context, sessionDir string, trial int, doc *Doc, videos []videoArtifact) {
	if g.muxer == nil || len(videos) == 0 {
		return
	}

	audio, audioOK := doc.Modules["AudioRecorder_0"]
	if !audioOK {
		g.logger.WithFields(logging.Fields{"trial": trial}).Warn("syncmux: no audio stream, skipping mux")
		return
	}

	for i := range videos {
		cam := doc.Modules[fmt.Sprintf("Camera_%d", i)]

		offset := 0.0
		if audio.StartTimeUnix > 0 && cam.StartTimeUnix > 0 {
			offset = cam.StartTimeUnix - audio.StartTimeUnix
		} else {
			g.logger.WithFields(logging.Fields{"camera": i, "trial": trial}).Warn("syncmux: missing timing, muxing with zero offset")
		}

		outPath := filepath.Join(sessionDir, fmt.Sprintf("%s_AV_CAM%d_trial%03d.mp4", doc.SessionTimestamp, i, trial))
		if err := g.muxer.Mux(ctx, cam.VideoFile, audio.AudioFile, offset, outPath); err != nil {
			g.logger.WithFields(logging.Fields{"camera": i, "trial": trial}).WithError(err).Warn("syncmux: mux failed for camera")
			continue
		}
		g.logger.WithFields(logging.Fields{"camera": i, "output": outPath, "offset_s": offset}).Info("syncmux: muxed camera")
	}
}

func writeDoc(path string, doc *Doc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("syncmux: marshal sync doc: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("syncmux: write %s: %w", path, err)
	}
	return nil
}

func globSorted(pattern string) []string {
	matches, _ := filepath.Glob(pattern)
	sort.Strings(matches)
	return matches
}

func sessionTimestampOf(path string) string {
	m := timestampPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "00000000_000000"
	}
	return m[1]
}

func cameraKeyOf(videoPath string) string {
	m := cameraVideoPattern.FindStringSubmatch(filepath.Base(videoPath))
	if m == nil {
		return ""
	}
	return m[2]
}

// firstDataRow returns the header and first data row of a CSV file.
func firstDataRow(path string) (header, row []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	row, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read first data row: %w", err)
	}
	return header, row, nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// readAudioTiming extracts write_time_unix and frames_in_chunk from the
// first data row of an audio chunk CSV.
func readAudioTiming(path string) (startUnix float64, firstChunkFrames int, err error) {
	header, row, err := firstDataRow(path)
	if err != nil {
		return 0, 0, err
	}
	wi := columnIndex(header, "write_time_unix")
	fi := columnIndex(header, "frames_in_chunk")
	if wi < 0 || wi >= len(row) {
		return 0, 0, fmt.Errorf("no write_time_unix column in %s", path)
	}
	startUnix, err = strconv.ParseFloat(row[wi], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("write_time_unix: %w", err)
	}
	if fi >= 0 && fi < len(row) {
		firstChunkFrames, _ = strconv.Atoi(row[fi])
	}
	return startUnix, firstChunkFrames, nil
}

// readCameraTiming extracts write_time_unix and, when non-empty,
// sensor_timestamp_ns from the first data row of a camera timing CSV.
func readCameraTiming(path string) (startUnix float64, sensorNs *int64, err error) {
	header, row, err := firstDataRow(path)
	if err != nil {
		return 0, nil, err
	}
	wi := columnIndex(header, "write_time_unix")
	si := columnIndex(header, "sensor_timestamp_ns")
	if wi < 0 || wi >= len(row) {
		return 0, nil, fmt.Errorf("no write_time_unix column in %s", path)
	}
	startUnix, err = strconv.ParseFloat(row[wi], 64)
	if err != nil {
		return 0, nil, fmt.Errorf("write_time_unix: %w", err)
	}
	if si >= 0 && si < len(row) && strings.TrimSpace(row[si]) != "" {
		if v, perr := strconv.ParseInt(strings.TrimSpace(row[si]), 10, 64); perr == nil && v != 0 {
			sensorNs = &v
		}
	}
	return startUnix, sensorNs, nil
}
