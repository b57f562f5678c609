package client

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Converter extracts a video's audio track into a mono 16 kHz Opus stream,
// the cheapest input whisper handles well.
type Converter struct {
	binary string
}

// NewConverter creates a Converter running the given ffmpeg binary. An empty
// binary defaults to "ffmpeg" from PATH.
func NewConverter(binary string) *Converter {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Converter{binary: binary}
}

// Convert encodes videoPath's audio into an .ogg file under scratchDir and
// returns its path.
func (c *Converter) Convert(ctx context.Context, videoPath, scratchDir string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	outPath := filepath.Join(scratchDir, stem+".ogg")

	cmd := exec.CommandContext(ctx, c.binary,
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "libopus",
		"-ar", "16000",
		"-ac", "1",
		"-b:a", "24k",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("client: ffmpeg on %s: %w: %s",
			filepath.Base(videoPath), err, lastLine(stderr.String()))
	}
	if !exists(outPath) {
		return "", fmt.Errorf("client: ffmpeg on %s produced no output", filepath.Base(videoPath))
	}
	return outPath, nil
}

// lastLine extracts the final non-empty stderr line, which is where ffmpeg
// puts its actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
