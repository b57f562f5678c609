// Package whisper supervises the external whisper CLI that performs the
// actual transcription.
//
// The driver spawns one child process per task, streams its stderr progress
// lines into the structured log as they arrive, and locates the SRT file the
// CLI writes into the output directory. Cancellation is cooperative: the
// child receives SIGTERM when the context is cancelled and SIGKILL once the
// grace period expires.
package whisper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	defaultBinary      = "whisper"
	defaultGracePeriod = 5 * time.Second
	defaultTailLines   = 50
)

// Sentinel errors for output discovery after a successful exit.
var (
	// ErrNoOutput means the CLI exited zero but produced no SRT file.
	ErrNoOutput = errors.New("whisper: no subtitle output produced")

	// ErrAmbiguousOutput means more than one SRT file appeared and none
	// matches the audio file's stem.
	ErrAmbiguousOutput = errors.New("whisper: ambiguous subtitle output")
)

// ExitError reports a non-zero exit of the whisper child, carrying the tail
// of its stderr for diagnosis.
type ExitError struct {
	ExitCode   int
	StderrTail []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("whisper: exited with code %d", e.ExitCode)
}

// Option configures a Driver.
type Option func(*Driver)

// WithBinary overrides the whisper executable path.
func WithBinary(path string) Option {
	return func(d *Driver) { d.binary = path }
}

// WithGracePeriod sets how long a cancelled child may run after SIGTERM
// before it is killed.
func WithGracePeriod(grace time.Duration) Option {
	return func(d *Driver) { d.grace = grace }
}

// WithTailLines sets how many trailing stderr lines are kept for error
// reports.
func WithTailLines(n int) Option {
	return func(d *Driver) { d.tailLines = n }
}

// Driver runs whisper CLI transcriptions. Safe for use from a single worker
// goroutine; it keeps no per-run state.
type Driver struct {
	binary    string
	grace     time.Duration
	tailLines int
	log       *slog.Logger
}

// New creates a Driver with the default binary, grace period and stderr
// tail size.
func New(opts ...Option) *Driver {
	d := &Driver{
		binary:    defaultBinary,
		grace:     defaultGracePeriod,
		tailLines: defaultTailLines,
		log:       slog.Default().With("component", "whisper"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transcribe runs the whisper CLI on audioPath with the given model and
// returns the path of the SRT file written into outDir.
//
// The child's stderr is streamed line by line into the log while it runs.
// A non-zero exit yields [*ExitError]; a clean exit without a usable SRT
// yields [ErrNoOutput] or [ErrAmbiguousOutput]. When ctx is cancelled the
// child gets SIGTERM, then SIGKILL after the grace period, and the error
// wraps ctx's cause.
func (d *Driver) Transcribe(ctx context.Context, audioPath, model, outDir string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary,
		audioPath,
		"--model", model,
		"--output_dir", outDir,
		"--output_format", "srt",
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.grace

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("whisper: stderr pipe: %w", err)
	}

	log := d.log.With("audio", filepath.Base(audioPath), "model", model)
	log.Info("starting transcription", "binary", d.binary)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("whisper: start %s: %w", d.binary, err)
	}

	// Stream progress lines as they arrive, keeping the tail for error
	// reports. The scanner goroutine owns the pipe until EOF; Wait is not
	// called before it finishes.
	tail := make([]string, 0, d.tailLines)
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			log.Debug("transcriber", "line", line)
			if len(tail) == d.tailLines {
				copy(tail, tail[1:])
				tail = tail[:d.tailLines-1]
			}
			tail = append(tail, line)
		}
	}()

	<-scanned
	err = cmd.Wait()
	elapsed := time.Since(start)

	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			log.Info("transcription cancelled", "elapsed", elapsed)
			return "", fmt.Errorf("whisper: cancelled after %s: %w", elapsed.Round(time.Millisecond), cause)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error("transcription failed",
				"exit_code", exitErr.ExitCode(),
				"elapsed", elapsed,
				"stderr_tail", strings.Join(tail, "\n"))
			return "", &ExitError{ExitCode: exitErr.ExitCode(), StderrTail: tail}
		}
		return "", fmt.Errorf("whisper: wait: %w", err)
	}

	srtPath, err := locateSRT(outDir, audioPath)
	if err != nil {
		return "", err
	}
	log.Info("transcription finished", "elapsed", elapsed, "output", filepath.Base(srtPath))
	return srtPath, nil
}

// locateSRT finds the subtitle file the CLI wrote. The CLI names its output
// after the audio file's stem; when that exact name is absent, a single SRT
// in the directory is accepted, anything else is ambiguous.
func locateSRT(outDir, audioPath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	expected := filepath.Join(outDir, stem+".srt")
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "*.srt"))
	if err != nil {
		return "", fmt.Errorf("whisper: scan output dir: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", ErrNoOutput
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %d srt files in %s", ErrAmbiguousOutput, len(matches), outDir)
	}
}
