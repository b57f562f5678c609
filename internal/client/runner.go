package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/srtforge/srtforge/internal/bundle"
	"github.com/srtforge/srtforge/internal/task"
)

// Options configures a batch run.
type Options struct {
	ServerURL string
	ScanDir   string

	// OutputDir receives the finished subtitles. Empty means next to each
	// video.
	OutputDir string

	Model    string
	Password string

	// Single, when set, processes exactly this one file instead of scanning.
	Single string

	// KeepFiles leaves the scratch audio files behind for inspection.
	KeepFiles bool

	FFmpegBinary string

	// Poll intervals while a task is queued or processing. Zero values take
	// the defaults.
	QueuedPollInterval     time.Duration
	ProcessingPollInterval time.Duration

	// PoolBackoff is the wait between admission attempts when the server
	// pool is full.
	PoolBackoff time.Duration
}

const (
	defaultQueuedPoll     = 15 * time.Second
	defaultProcessingPoll = 5 * time.Second
	defaultPoolBackoff    = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.QueuedPollInterval <= 0 {
		o.QueuedPollInterval = defaultQueuedPoll
	}
	if o.ProcessingPollInterval <= 0 {
		o.ProcessingPollInterval = defaultProcessingPoll
	}
	if o.PoolBackoff <= 0 {
		o.PoolBackoff = defaultPoolBackoff
	}
}

// FileResult is the outcome for one video.
type FileResult struct {
	Video    string
	Subtitle string
	Err      error
}

// Summary aggregates a batch run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []FileResult
}

// Ok reports whether every processed file succeeded.
func (s Summary) Ok() bool { return s.Failed == 0 }

// Runner drives the scan, convert, submit, wait, save pipeline.
type Runner struct {
	api  *API
	conv *Converter
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	results []FileResult
}

// NewRunner creates a Runner for the given options.
func NewRunner(opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{
		api:  NewAPI(opts.ServerURL),
		conv: NewConverter(opts.FFmpegBinary),
		opts: opts,
		log:  slog.Default().With("component", "client"),
	}
}

// Run executes the batch: submissions happen serially with pool gating, one
// waiter goroutine per accepted task polls and saves the subtitle. Per-file
// failures are recorded and the batch continues; Run itself only fails on
// setup problems or context cancellation.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if err := r.api.Health(ctx); err != nil {
		return Summary{}, err
	}

	var videos []string
	if r.opts.Single != "" {
		if !exists(r.opts.Single) {
			return Summary{}, fmt.Errorf("client: no such file: %s", r.opts.Single)
		}
		videos = []string{r.opts.Single}
	} else {
		var err error
		videos, err = Scan(r.opts.ScanDir, r.opts.OutputDir)
		if err != nil {
			return Summary{}, err
		}
	}
	if len(videos) == 0 {
		r.log.Info("nothing to do", "scan_dir", r.opts.ScanDir)
		return Summary{}, nil
	}
	r.log.Info("batch starting", "files", len(videos), "model", r.opts.Model)

	scratch, err := os.MkdirTemp("", "srtforge-*")
	if err != nil {
		return Summary{}, fmt.Errorf("client: scratch dir: %w", err)
	}
	if !r.opts.KeepFiles {
		defer os.RemoveAll(scratch)
	} else {
		r.log.Info("keeping scratch files", "dir", scratch)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			break
		}
		r.submitOne(ctx, gctx, g, video, scratch)
	}
	if err := g.Wait(); err != nil {
		return r.summary(len(videos)), err
	}
	if err := ctx.Err(); err != nil {
		return r.summary(len(videos)), err
	}

	sum := r.summary(len(videos))
	r.log.Info("batch finished", "total", sum.Total, "succeeded", sum.Succeeded, "failed", sum.Failed)
	return sum, nil
}

// submitOne converts and submits a single video, then hands the wait off to
// the group. Failures before submission are recorded immediately.
func (r *Runner) submitOne(ctx, gctx context.Context, g *errgroup.Group, video, scratch string) {
	log := r.log.With("video", filepath.Base(video))

	audioPath, err := r.conv.Convert(ctx, video, scratch)
	if err != nil {
		log.Error("audio extraction failed", "error", err)
		r.record(FileResult{Video: video, Err: err})
		return
	}

	taskID := uuid.NewString()
	payload, err := bundle.Pack(bundle.Metadata{
		TaskID:  taskID,
		Model:   r.opts.Model,
		Version: bundle.Version,
	}, audioPath, r.opts.Password)
	if err != nil {
		log.Error("bundle packing failed", "error", err)
		r.record(FileResult{Video: video, Err: err})
		return
	}
	if !r.opts.KeepFiles {
		os.Remove(audioPath)
	}

	if err := r.submitWithBackoff(ctx, taskID, payload); err != nil {
		log.Error("submission failed", "task_id", taskID, "error", err)
		r.record(FileResult{Video: video, Err: err})
		return
	}
	log.Info("task submitted", "task_id", taskID)

	g.Go(func() error {
		r.record(r.await(gctx, taskID, video))
		return nil
	})
}

// submitWithBackoff waits for pool headroom and submits, re-entering the
// back-off loop when the server answers 429 anyway.
func (r *Runner) submitWithBackoff(ctx context.Context, taskID string, payload []byte) error {
	for {
		view, err := r.api.PoolStatus(ctx)
		if err != nil {
			return err
		}
		if view.IsFull {
			r.log.Info("pool full, waiting",
				"current", view.CurrentSize, "max", view.MaxSize, "backoff", r.opts.PoolBackoff)
			if err := sleep(ctx, r.opts.PoolBackoff); err != nil {
				return err
			}
			continue
		}

		err = r.api.Submit(ctx, taskID, r.opts.Model, r.opts.Password, payload)
		if errors.Is(err, ErrPoolFull) {
			if err := sleep(ctx, r.opts.PoolBackoff); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// await polls a task until it reaches a terminal state, then downloads and
// saves the subtitle. The server-side task is deleted once the subtitle is
// safely on disk.
func (r *Runner) await(ctx context.Context, taskID, video string) FileResult {
	log := r.log.With("task_id", taskID, "video", filepath.Base(video))
	res := FileResult{Video: video}

	interval := r.opts.QueuedPollInterval
	for {
		if err := sleep(ctx, interval); err != nil {
			res.Err = err
			return res
		}

		st, err := r.api.Status(ctx, taskID)
		if err != nil {
			res.Err = err
			return res
		}

		switch st.State {
		case task.StateQueued:
			interval = r.opts.QueuedPollInterval
		case task.StateProcessing:
			interval = r.opts.ProcessingPollInterval
		case task.StateCompleted:
			res.Subtitle, res.Err = r.save(ctx, taskID, video)
			if res.Err == nil {
				log.Info("subtitle saved", "path", res.Subtitle)
				if err := r.api.DeleteTask(ctx, taskID); err != nil {
					log.Warn("server-side cleanup failed", "error", err)
				}
			}
			return res
		case task.StateFailed, task.StateCancelled:
			if st.Error != nil {
				res.Err = fmt.Errorf("client: task %s: %s: %s", st.State, st.Error.Code, st.Error.Message)
			} else {
				res.Err = fmt.Errorf("client: task %s", st.State)
			}
			log.Error("task did not complete", "state", st.State, "error", res.Err)
			return res
		}
	}
}

// save downloads the subtitle into a temp file beside its destination and
// renames it into place.
func (r *Runner) save(ctx context.Context, taskID, video string) (string, error) {
	dest := SubtitlePath(video, r.opts.OutputDir)
	if r.opts.OutputDir != "" {
		if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
			return "", fmt.Errorf("client: output dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return "", fmt.Errorf("client: save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.api.Download(ctx, taskID, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("client: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("client: save: %w", err)
	}
	return dest, nil
}

func (r *Runner) record(res FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *Runner) summary(total int) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{Total: total, Results: append([]FileResult(nil), r.results...)}
	for _, res := range sum.Results {
		if res.Err != nil {
			sum.Failed++
		} else {
			sum.Succeeded++
		}
	}
	return sum
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
