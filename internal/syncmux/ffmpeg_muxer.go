package syncmux

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/labrecorder/capturesvc/internal/logging"
)

// FFmpegMuxer shells out to ffmpeg to combine one camera's video with
// the session audio track, applying the computed start offset to the
// audio input. Stream copy on the video side keeps muxing fast and
// avoids a second generation loss.
type FFmpegMuxer struct {
	logger     *logging.Logger
	ffmpegPath string
}

// NewFFmpegMuxer constructs a muxer using the ffmpeg binary on PATH.
func NewFFmpegMuxer(logger *logging.Logger) *FFmpegMuxer {
	if logger == nil {
		logger = logging.GetLogger("syncmux")
	}
	return &FFmpegMuxer{logger: logger, ffmpegPath: "ffmpeg"}
}

// Mux combines videoPath and audioPath into outPath. A positive
// offsetSec means the video started after the audio, so that much audio
// is skipped; a negative offset delays the audio instead.
func (m *FFmpegMuxer) Mux(ctx context.Context, videoPath, audioPath string, offsetSec float64, outPath string) error {
	args := []string{"-y", "-i", videoPath}
	if offsetSec >= 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", offsetSec), "-i", audioPath)
	} else {
		args = append(args, "-itsoffset", fmt.Sprintf("%.6f", -offsetSec), "-i", audioPath)
	}
	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("syncmux: ffmpeg mux %s: %w: %s", outPath, err, truncate(out, 512))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
