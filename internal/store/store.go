// Package store owns the three on-disk roots of the server: uploads/
// (encrypted bundles awaiting processing), work/ (per-task scratch
// directories), and results/ (published subtitle files).
//
// Publishing is atomic: a result appears under results/ via rename, never
// through a partially written file. The retention sweeper removes results
// whose modification time has passed the configured retention window.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/srtforge/srtforge/internal/task"
)

const resultExt = ".srt"

// Store manages the server's local artifact directories.
type Store struct {
	uploads   string
	work      string
	results   string
	retention time.Duration
}

// New creates the three roots if needed and returns a Store.
func New(uploads, work, results string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("store: retention must be positive, got %s", retention)
	}
	for _, dir := range []string{uploads, work, results} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{uploads: uploads, work: work, results: results, retention: retention}, nil
}

// Retention returns the configured result retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// PutBundle streams an uploaded bundle to disk and returns its path. The
// write goes through a temp file and a rename so a crashed upload never
// leaves a half-written bundle under the final name. Every call stages
// under a fresh name: a duplicate submission for an id that is already
// queued or processing must not clobber the bundle the admitted task
// still points at.
func (s *Store) PutBundle(id string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.uploads, id+".*.part")
	if err != nil {
		return "", fmt.Errorf("store: stage bundle %s: %w", id, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: write bundle %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close bundle %s: %w", id, err)
	}
	final := strings.TrimSuffix(tmp.Name(), ".part") + ".bundle"
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("store: publish bundle %s: %w", id, err)
	}
	return final, nil
}

// DiscardBundle deletes a staged bundle. Missing files are ignored.
func (s *Store) DiscardBundle(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to discard bundle", "path", path, "error", err)
	}
}

// OpenWorkDir creates a fresh scratch directory for a task. A leftover
// directory from a previous attempt with the same id is removed first.
func (s *Store) OpenWorkDir(id string) (string, error) {
	dir := filepath.Join(s.work, id)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("store: clear work dir %s: %w", id, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("store: create work dir %s: %w", id, err)
	}
	return dir, nil
}

// DropWorkDir removes a task's scratch directory. Idempotent.
func (s *Store) DropWorkDir(id string) {
	if err := os.RemoveAll(filepath.Join(s.work, id)); err != nil {
		slog.Warn("failed to drop work dir", "task_id", id, "error", err)
	}
}

// PublishResult moves a finished subtitle file from the work area into
// results/ under the task id and returns its descriptor. The rename makes
// the result visible atomically.
func (s *Store) PublishResult(id, srcPath string) (task.Result, error) {
	final := filepath.Join(s.results, id+resultExt)
	if err := os.Rename(srcPath, final); err != nil {
		return task.Result{}, fmt.Errorf("store: publish result %s: %w", id, err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return task.Result{}, fmt.Errorf("store: stat result %s: %w", id, err)
	}
	created := info.ModTime()
	return task.Result{
		Path:      final,
		Size:      info.Size(),
		CreatedAt: created,
		ExpiresAt: created.Add(s.retention),
	}, nil
}

// OpenResult opens a published result for streaming. The caller closes the
// returned file; an already-open handle keeps serving even if the sweeper
// unlinks the file mid-transfer.
func (s *Store) OpenResult(id string) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.results, id+resultExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("store: result %s: %w", id, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("store: open result %s: %w", id, err)
	}
	return f, nil
}

// RemoveResult deletes a published result file. Idempotent.
func (s *Store) RemoveResult(id string) {
	path := filepath.Join(s.results, id+resultExt)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove result", "task_id", id, "error", err)
	}
}

// Sweep removes result files whose modification time is older than the
// retention window relative to now, and returns the task ids swept.
func (s *Store) Sweep(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.results)
	if err != nil {
		return nil, fmt.Errorf("store: scan results: %w", err)
	}

	cutoff := now.Add(-s.retention)
	var swept []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.results, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to sweep result", "path", path, "error", err)
			continue
		}
		id := strings.TrimSuffix(e.Name(), resultExt)
		swept = append(swept, id)
		slog.Info("swept expired result", "task_id", id, "age", now.Sub(info.ModTime()))
	}
	return swept, nil
}
