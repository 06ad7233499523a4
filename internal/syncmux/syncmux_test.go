package syncmux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMux struct {
	videoPath string
	audioPath string
	offsetSec float64
	outPath   string
}

type fakeMuxer struct {
	calls []recordedMux
	err   error
}

func (m *fakeMuxer) Mux(ctx context.Context, videoPath, audioPath string, offsetSec float64, outPath string) error {
	m.calls = append(m.calls, recordedMux{videoPath, audioPath, offsetSec, outPath})
	return m.err
}

const ts = "20231114_221320"

func writeTrialArtifacts(t *testing.T, sessionDir string, trial int) (videoPath, wavPath string) {
	t.Helper()
	camerasDir := filepath.Join(sessionDir, "Cameras")
	audioDir := filepath.Join(sessionDir, "AudioRecorder")
	require.NoError(t, os.MkdirAll(camerasDir, 0o755))
	require.NoError(t, os.MkdirAll(audioDir, 0o755))

	videoPath = filepath.Join(camerasDir, ts+"_CAM_trial007_usb_dev_video0_640x480_30fps.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("mp4"), 0o644))

	camCSV := filepath.Join(camerasDir, ts+"_CAMTIMING_trial007_usb_dev_video0.csv")
	require.NoError(t, os.WriteFile(camCSV, []byte(
		"trial,frame_number,write_time_unix,monotonic_time,sensor_timestamp_ns,hardware_frame_number,dropped_since_last,total_hardware_drops,storage_queue_drops\n"+
			"7,0,1700000000.250000,1.000000,123456789,0,0,0,0\n"+
			"7,1,1700000000.283000,1.033000,156790122,1,0,0,0\n"), 0o644))

	wavPath = filepath.Join(audioDir, ts+"_AUDIO_trial007_MIC0_default.wav")
	require.NoError(t, os.WriteFile(wavPath, []byte("wav"), 0o644))

	audioCSV := filepath.Join(audioDir, ts+"_AUDIOTIMING_trial007_MIC0.csv")
	require.NoError(t, os.WriteFile(audioCSV, []byte(
		"trial,chunk_num,write_time_unix,frames_in_chunk,total_frames\n"+
			"7,0,1700000000.100000,1024,1024\n"), 0o644))
	return videoPath, wavPath
}

func TestRunBuildsSyncDocAndMuxesWithOffset(t *testing.T) {
	sessionDir := t.TempDir()
	videoPath, wavPath := writeTrialArtifacts(t, sessionDir, 7)

	muxer := &fakeMuxer{}
	g := NewGenerator(muxer, nil)

	doc, err := g.Run(context.Background(), sessionDir, 7)
	require.NoError(t, err)

	audio := doc.Modules["AudioRecorder_0"]
	assert.Equal(t, 1700000000.100000, audio.StartTimeUnix)
	assert.Equal(t, 1024, audio.FirstChunkFrames)
	assert.Equal(t, wavPath, audio.AudioFile)

	cam := doc.Modules["Camera_0"]
	assert.Equal(t, 1700000000.250000, cam.StartTimeUnix)
	require.NotNil(t, cam.SensorTimestampNs)
	assert.Equal(t, int64(123456789), *cam.SensorTimestampNs)
	assert.Equal(t, videoPath, cam.VideoFile)

	syncPath := filepath.Join(sessionDir, ts+"_SYNC_trial007.json")
	_, statErr := os.Stat(syncPath)
	assert.NoError(t, statErr)

	require.Len(t, muxer.calls, 1)
	call := muxer.calls[0]
	assert.Equal(t, videoPath, call.videoPath)
	assert.Equal(t, wavPath, call.audioPath)
	assert.InDelta(t, 0.150, call.offsetSec, 1e-6)
	assert.Equal(t, filepath.Join(sessionDir, ts+"_AV_CAM0_trial007.mp4"), call.outPath)
}

func TestRunIsIdempotent(t *testing.T) {
	sessionDir := t.TempDir()
	writeTrialArtifacts(t, sessionDir, 7)

	g := NewGenerator(nil, nil)
	_, err := g.Run(context.Background(), sessionDir, 7)
	require.NoError(t, err)

	syncPath := filepath.Join(sessionDir, ts+"_SYNC_trial007.json")
	first, err := os.ReadFile(syncPath)
	require.NoError(t, err)

	_, err = g.Run(context.Background(), sessionDir, 7)
	require.NoError(t, err)
	second, err := os.ReadFile(syncPath)
	require.NoError(t, err)
	assert.Equal(t, first, second, "regeneration must be byte-identical given identical inputs")
}

func TestRunMissingAudioTimingMuxesWithZeroOffset(t *testing.T) {
	sessionDir := t.TempDir()
	writeTrialArtifacts(t, sessionDir, 7)
	// Remove the audio timing CSV: the mux still runs, offset zero.
	csvs, _ := filepath.Glob(filepath.Join(sessionDir, "AudioRecorder", "*_AUDIOTIMING_*"))
	for _, c := range csvs {
		require.NoError(t, os.Remove(c))
	}

	muxer := &fakeMuxer{}
	g := NewGenerator(muxer, nil)
	_, err := g.Run(context.Background(), sessionDir, 7)
	require.NoError(t, err)

	require.Len(t, muxer.calls, 1)
	assert.Equal(t, 0.0, muxer.calls[0].offsetSec)
}

func TestRunIgnoresOtherTrials(t *testing.T) {
	sessionDir := t.TempDir()
	writeTrialArtifacts(t, sessionDir, 7)

	g := NewGenerator(nil, nil)
	doc, err := g.Run(context.Background(), sessionDir, 3)
	require.NoError(t, err)
	assert.Empty(t, doc.Modules)
}

func TestWaitForStableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")

	g := NewGenerator(nil, nil)
	g.WaitTimeout = 3 * time.Second
	g.PollInterval = 20 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("growing"), 0o644)
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("growing-more"), 0o644)
	}()

	require.NoError(t, g.waitForStableFile(context.Background(), path))
}

func TestWaitForStableFileTimesOut(t *testing.T) {
	g := NewGenerator(nil, nil)
	g.WaitTimeout = 100 * time.Millisecond
	g.PollInterval = 20 * time.Millisecond
	err := g.waitForStableFile(context.Background(), filepath.Join(t.TempDir(), "never.mp4"))
	assert.Error(t, err)
}
