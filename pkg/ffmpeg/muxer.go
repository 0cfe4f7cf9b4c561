// Package ffmpeg wraps the ffmpeg binary for stream muxing.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Muxer joins separately delivered video and audio streams.
type Muxer struct {
	ffmpegPath string
}

// NewMuxer creates a muxer using ffmpeg from PATH.
func NewMuxer() (*Muxer, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	return &Muxer{ffmpegPath: ffmpegPath}, nil
}

// NewMuxerWithPath creates a muxer around a specific ffmpeg binary.
func NewMuxerWithPath(path string) *Muxer {
	return &Muxer{ffmpegPath: path}
}

// Merge copies the first video stream of videoPath and the first audio
// stream of audioPath into outPath without re-encoding.
func (m *Muxer) Merge(ctx context.Context, videoPath, audioPath, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp := outPath + ".part"
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-movflags", "+faststart",
		"-f", "mp4",
		tmp,
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("merge streams: %w: %s", err, msg)
		}
		return fmt.Errorf("merge streams: %w", err)
	}

	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize merged file: %w", err)
	}
	return nil
}
