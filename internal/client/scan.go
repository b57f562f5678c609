package client

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// videoExtensions are the container formats the scanner picks up.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".m4v":  true,
	".webm": true,
}

// SubtitlePath returns where the finished subtitle for videoPath belongs:
// same directory, same stem, .srt extension. When outputDir is non-empty the
// file goes there instead.
func SubtitlePath(videoPath, outputDir string) string {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)) + ".srt"
	if outputDir != "" {
		return filepath.Join(outputDir, base)
	}
	return filepath.Join(filepath.Dir(videoPath), base)
}

// Scan walks root recursively and returns the video files that still need
// subtitles, sorted by path. A video is skipped when its subtitle (as placed
// by [SubtitlePath]) already exists.
func Scan(root, outputDir string) ([]string, error) {
	var videos []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		videos = append(videos, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client: scan %s: %w", root, err)
	}

	pending := videos[:0]
	for _, v := range videos {
		if exists(SubtitlePath(v, outputDir)) {
			continue
		}
		pending = append(pending, v)
	}
	sort.Strings(pending)
	return pending, nil
}
