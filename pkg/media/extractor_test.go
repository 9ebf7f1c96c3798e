package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"vspeech/pkg/domain"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o600); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

func TestFFmpegExtractorWritesWav(t *testing.T) {
	bin := writeScript(t, "for last; do :; done\necho RIFF > \"$last\"\n")
	workDir := t.TempDir()

	out, err := NewFFmpegExtractor(bin, 0).Extract(context.Background(), writeVideo(t), workDir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out != filepath.Join(workDir, "lecture.wav") {
		t.Fatalf("unexpected output path %s", out)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty wav, err=%v", err)
	}
}

func TestFFmpegExtractorFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		video  func(t *testing.T) string
	}{
		{
			name:   "tool exits non-zero",
			script: "echo 'Invalid data found' >&2\nexit 1\n",
			video:  writeVideo,
		},
		{
			name:   "no output written",
			script: "exit 0\n",
			video:  writeVideo,
		},
		{
			name:   "missing video",
			script: "exit 0\n",
			video: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing.mp4")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := writeScript(t, tt.script)
			_, err := NewFFmpegExtractor(bin, 0).Extract(context.Background(), tt.video(t), t.TempDir())
			if !errors.Is(err, domain.ErrMediaExtractionFailed) {
				t.Fatalf("expected ErrMediaExtractionFailed, got %v", err)
			}
		})
	}
}

func TestFFmpegExtractorMissingBinary(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "no-such-ffmpeg")
	_, err := NewFFmpegExtractor(bin, 0).Extract(context.Background(), writeVideo(t), t.TempDir())
	if !errors.Is(err, domain.ErrMediaExtractionFailed) {
		t.Fatalf("expected ErrMediaExtractionFailed, got %v", err)
	}
}
