package srt

import (
	"fmt"
	"os"
	"path/filepath"
)

// CleanFile cleans one subtitle file. When outputPath is empty the input is
// overwritten, but only if cleaning actually removed entries. The report for
// the file is returned either way.
func CleanFile(inputPath, outputPath string, threshold int) (CleanReport, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return CleanReport{}, fmt.Errorf("read %s: %w", inputPath, err)
	}

	entries := Parse(string(data))
	cleaned, report := Clean(entries, threshold)

	if outputPath == "" {
		outputPath = inputPath
	}
	if report.Removed == 0 && outputPath == inputPath {
		return report, nil
	}

	if err := os.WriteFile(outputPath, []byte(Format(cleaned)), 0o644); err != nil {
		return report, fmt.Errorf("write %s: %w", outputPath, err)
	}
	return report, nil
}

// CleanDir cleans every *.srt file in dir. When outputDir is empty each file
// is overwritten in place; otherwise cleaned copies are written under
// outputDir, which is created if needed. Returns the per-file reports keyed
// by input path.
func CleanDir(dir, outputDir string, threshold int) (map[string]CleanReport, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.srt"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", outputDir, err)
		}
	}

	reports := make(map[string]CleanReport, len(paths))
	for _, path := range paths {
		out := ""
		if outputDir != "" {
			out = filepath.Join(outputDir, filepath.Base(path))
		}
		report, err := CleanFile(path, out, threshold)
		if err != nil {
			return reports, err
		}
		reports[path] = report
	}
	return reports, nil
}
