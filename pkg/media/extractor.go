// Package media turns video files into timestamped transcripts: audio is
// extracted with ffmpeg and transcribed by a Whisper-compatible server.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vspeech/pkg/domain"
)

const maxToolOutput = 2048

// FFmpegExtractor extracts a mono 16 kHz WAV track from a video.
type FFmpegExtractor struct {
	binary  string
	timeout time.Duration
}

// NewFFmpegExtractor uses binary (default "ffmpeg"); a positive timeout bounds
// each extraction.
func NewFFmpegExtractor(binary string, timeout time.Duration) *FFmpegExtractor {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegExtractor{binary: binary, timeout: timeout}
}

// Extract writes the audio track of videoPath into workDir and returns the
// path of the WAV file. Failures wrap domain.ErrMediaExtractionFailed.
func (e *FFmpegExtractor) Extract(ctx context.Context, videoPath, workDir string) (string, error) {
	if _, err := exec.LookPath(e.binary); err != nil {
		return "", fmt.Errorf("%w: %s not found: %w", domain.ErrMediaExtractionFailed, e.binary, err)
	}
	if _, err := os.Stat(videoPath); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrMediaExtractionFailed, err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	out := filepath.Join(workDir, base+".wav")
	cmd := exec.CommandContext(ctx, e.binary,
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", videoPath,
		"-vn", "-ac", "1", "-ar", "16000", "-f", "wav",
		out,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", e.timeout)
		}
		return "", fmt.Errorf("%w: %s: %w: %s", domain.ErrMediaExtractionFailed, videoPath, err, tail(output))
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s produced no audio", domain.ErrMediaExtractionFailed, videoPath)
	}
	return out, nil
}

func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > maxToolOutput {
		s = s[len(s)-maxToolOutput:]
	}
	return s
}
