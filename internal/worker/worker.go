// Package worker drains the task queue: it claims one task at a time,
// decrypts its bundle, runs the whisper transcriber, and publishes the
// resulting subtitle file. A companion sweeper loop enforces result
// retention.
//
// Exactly one worker loop runs per process. FIFO ordering and the
// single-transcription guarantee both follow from that.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/srtforge/srtforge/internal/bundle"
	"github.com/srtforge/srtforge/internal/observe"
	"github.com/srtforge/srtforge/internal/store"
	"github.com/srtforge/srtforge/internal/task"
	"github.com/srtforge/srtforge/internal/whisper"
)

// Transcriber runs a single transcription and returns the path of the
// produced SRT file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model, outDir string) (string, error)
}

// Worker owns the processing loop.
type Worker struct {
	reg     *task.Registry
	store   *store.Store
	driver  Transcriber
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a Worker. metrics may not be nil; pass a test instance from
// observe.NewMetrics when exercising the loop in tests.
func New(reg *task.Registry, st *store.Store, driver Transcriber, metrics *observe.Metrics) *Worker {
	return &Worker{
		reg:     reg,
		store:   st,
		driver:  driver,
		metrics: metrics,
		log:     slog.Default().With("component", "worker"),
	}
}

// Run processes tasks until ctx is cancelled. It drains the queue whenever
// woken, then sleeps on the registry's wake channel. Returns nil on a clean
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		for {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return nil
			}
			snap, ok := w.reg.ClaimNext()
			if !ok {
				break
			}
			w.process(ctx, snap)
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return nil
		case <-w.reg.Wake():
		}
	}
}

// process runs one claimed task to a terminal state. It never returns a
// non-terminal task: every exit path records completed, failed, or
// cancelled.
func (w *Worker) process(ctx context.Context, snap task.Snapshot) {
	log := w.log.With("task_id", snap.ID, "model", snap.Model)
	log.Info("task claimed")

	defer w.metrics.QueueDepth.Add(ctx, -1)
	defer w.store.DiscardBundle(snap.BundlePath)

	workDir, err := w.store.OpenWorkDir(snap.ID)
	if err != nil {
		w.fail(ctx, snap.ID, task.Error{Code: task.CodeInternal, Message: "could not create work directory"}, err)
		return
	}
	defer w.store.DropWorkDir(snap.ID)

	data, err := os.ReadFile(snap.BundlePath)
	if err != nil {
		w.fail(ctx, snap.ID, task.Error{Code: task.CodeInternal, Message: "could not read uploaded bundle"}, err)
		return
	}

	meta, audioPath, err := bundle.Unpack(data, snap.Password, workDir)
	if err != nil {
		w.fail(ctx, snap.ID, bundleError(err), err)
		return
	}
	if meta.TaskID != snap.ID {
		err := fmt.Errorf("bundle task_id %q does not match submission %q", meta.TaskID, snap.ID)
		w.fail(ctx, snap.ID, task.Error{Code: task.CodeBundleSchema, Message: err.Error()}, err)
		return
	}

	// A cancel that arrived while the task sat in the queue head, or
	// between claim and spawn, takes effect before the child starts.
	if w.reg.CancelRequested(snap.ID) {
		if err := w.reg.CancelClaimed(snap.ID); err != nil {
			log.Warn("cancel before spawn failed", "error", err)
			return
		}
		w.metrics.RecordFinished(ctx, string(task.StateCancelled))
		log.Info("task cancelled before transcription started")
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.reg.AttachCancel(snap.ID, cancel)

	start := time.Now()
	srtPath, err := w.driver.Transcribe(taskCtx, audioPath, snap.Model, workDir)
	if err != nil {
		if taskCtx.Err() != nil {
			reason := "cancelled by request"
			if ctx.Err() != nil {
				reason = "interrupted by shutdown"
			}
			w.fail(ctx, snap.ID, task.Error{Code: task.CodeCancelled, Message: reason}, err)
			return
		}
		w.fail(ctx, snap.ID, transcribeError(err), err)
		return
	}

	res, err := w.store.PublishResult(snap.ID, srtPath)
	if err != nil {
		w.fail(ctx, snap.ID, task.Error{Code: task.CodeStoragePublish, Message: "could not publish result"}, err)
		return
	}

	if err := w.reg.Complete(snap.ID, res); err != nil {
		log.Error("completion transition rejected", "error", err)
		return
	}
	w.metrics.RecordTranscription(ctx, snap.Model, time.Since(start).Seconds())
	w.metrics.RecordFinished(ctx, string(task.StateCompleted))
	log.Info("task completed", "result_bytes", res.Size, "elapsed", time.Since(start))
}

// fail records a terminal failure and its metric.
func (w *Worker) fail(ctx context.Context, id string, terr task.Error, cause error) {
	w.log.Error("task failed", "task_id", id, "code", terr.Code, "error", cause)
	if err := w.reg.Fail(id, terr); err != nil {
		w.log.Error("failure transition rejected", "task_id", id, "error", err)
		return
	}
	w.metrics.RecordFinished(ctx, string(task.StateFailed))
}

// bundleError maps a bundle decode error onto a task failure.
func bundleError(err error) task.Error {
	var schemaErr *bundle.SchemaError
	var fmtErr *bundle.FormatError
	switch {
	case errors.Is(err, bundle.ErrAuth):
		return task.Error{Code: task.CodeBundleAuth, Message: "bundle decryption failed; wrong password or corrupted upload"}
	case errors.As(err, &schemaErr):
		return task.Error{Code: task.CodeBundleSchema, Message: schemaErr.Error()}
	case errors.As(err, &fmtErr):
		return task.Error{Code: task.CodeBundleFormat, Message: fmtErr.Error()}
	default:
		return task.Error{Code: task.CodeInternal, Message: "could not unpack bundle"}
	}
}

// transcribeError maps a transcriber failure onto a task failure.
func transcribeError(err error) task.Error {
	var exitErr *whisper.ExitError
	switch {
	case errors.As(err, &exitErr):
		msg := fmt.Sprintf("transcriber exited with code %d", exitErr.ExitCode)
		if n := len(exitErr.StderrTail); n > 0 {
			msg += ": " + exitErr.StderrTail[n-1]
		}
		return task.Error{Code: task.CodeTranscriberExit, Message: msg}
	case errors.Is(err, whisper.ErrNoOutput):
		return task.Error{Code: task.CodeNoOutput, Message: "transcriber produced no subtitle file"}
	case errors.Is(err, whisper.ErrAmbiguousOutput):
		return task.Error{Code: task.CodeAmbiguousOutput, Message: "transcriber produced multiple subtitle files"}
	default:
		return task.Error{Code: task.CodeInternal, Message: "transcription failed"}
	}
}
