package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors returned by [Registry] operations.
var (
	// ErrConflict means a task with the same id is still queued or processing.
	ErrConflict = errors.New("task: duplicate task id in flight")

	// ErrPoolFull means admission would exceed the configured pool capacity.
	ErrPoolFull = errors.New("task: pool is full")

	// ErrNotFound means no task with the given id is known.
	ErrNotFound = errors.New("task: not found")

	// ErrInvalidTransition means the requested state change is not allowed
	// from the task's current state.
	ErrInvalidTransition = errors.New("task: invalid state transition")
)

// CancelOutcome describes what a cancellation request achieved.
type CancelOutcome int

const (
	// CancelledNow: the task was still queued and is now terminally cancelled.
	CancelledNow CancelOutcome = iota

	// CancelSignalled: the task is processing; its cancel function was
	// invoked and the worker will terminate the transcriber child.
	CancelSignalled

	// CancelNoop: the task was already terminal.
	CancelNoop
)

// record is the registry-internal mutable task state.
type record struct {
	snap Snapshot

	// cancelRequested is set when a cancel arrives for a processing task.
	cancelRequested bool

	// cancel terminates the in-flight transcription, when one is attached.
	cancel func()
}

// Registry owns every known task plus the ordered queue of pending ids.
// It enforces bounded admission (queued + processing < capacity) and the
// task state machine. All methods are safe for concurrent use; no method
// performs I/O while holding the lock.
type Registry struct {
	mu       sync.Mutex
	capacity int
	tasks    map[string]*record
	queue    []string

	// processing is the id of the single claimed task, or "" when idle.
	processing string

	// wake is signalled (capacity 1, non-blocking) on every admission so the
	// worker can sleep on a channel instead of polling.
	wake chan struct{}

	now func() time.Time
}

// NewRegistry creates a Registry with the given pool capacity.
func NewRegistry(capacity int) (*Registry, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("task: capacity must be ≥ 1, got %d", capacity)
	}
	return &Registry{
		capacity: capacity,
		tasks:    make(map[string]*record),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}, nil
}

// Wake returns the channel signalled whenever a task is admitted.
func (r *Registry) Wake() <-chan struct{} { return r.wake }

// Admit registers a new queued task. A queued or processing duplicate
// yields [ErrConflict]; a full pool yields [ErrPoolFull]. Only once
// admission is certain is a terminal task with the same id evicted; its
// on-disk artifacts (bundle, result) are returned in evict for the caller
// to delete outside the lock. A rejected admission therefore never
// touches existing task state.
func (r *Registry) Admit(id, model, password, bundlePath string) (evict []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.tasks[id]; ok && !rec.snap.State.Terminal() {
		return nil, ErrConflict
	}
	if r.liveLocked() >= r.capacity {
		return nil, ErrPoolFull
	}

	if rec, ok := r.tasks[id]; ok {
		evict = artifactPaths(rec)
		delete(r.tasks, id)
		slog.Info("replacing terminal task", "task_id", id, "prior_state", rec.snap.State)
	}

	r.tasks[id] = &record{snap: Snapshot{
		ID:          id,
		Model:       model,
		Password:    password,
		BundlePath:  bundlePath,
		State:       StateQueued,
		SubmittedAt: r.now(),
	}}
	r.queue = append(r.queue, id)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return evict, nil
}

// ClaimNext atomically pops the queue head and marks it processing.
// It returns false when the queue is empty. Only one task may be claimed
// at a time; claiming while another task is processing panics, since that
// indicates a second worker loop.
func (r *Registry) ClaimNext() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return Snapshot{}, false
	}
	if r.processing != "" {
		panic("task: ClaimNext while another task is processing")
	}

	id := r.queue[0]
	r.queue = r.queue[1:]

	rec := r.tasks[id]
	started := r.now()
	rec.snap.State = StateProcessing
	rec.snap.StartedAt = &started
	r.processing = id
	return rec.snap, true
}

// AttachCancel installs the function that aborts the in-flight transcription
// for the claimed task. If a cancel request already arrived, fn is invoked
// immediately (after the lock is released).
func (r *Registry) AttachCancel(id string, fn func()) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	var fire bool
	if ok {
		rec.cancel = fn
		fire = rec.cancelRequested
	}
	r.mu.Unlock()
	if fire {
		fn()
	}
}

// CancelRequested reports whether a cancel request has arrived for id.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	return ok && rec.cancelRequested
}

// CancelClaimed terminally cancels a claimed task that has not started its
// child process. Used by the worker when it observes a cancel request
// between claim and spawn.
func (r *Registry) CancelClaimed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if rec.snap.State != StateProcessing || r.processing != id {
		return fmt.Errorf("%w: cancel claimed %q in state %s", ErrInvalidTransition, id, rec.snap.State)
	}
	r.finishLocked(rec, StateCancelled, nil, nil)
	return nil
}

// RequestCancel handles an external cancellation. Queued tasks become
// terminally cancelled at once and their bundle path is returned for
// deletion; processing tasks have their cancel function fired (outside the
// lock); terminal tasks are a no-op.
func (r *Registry) RequestCancel(id string) (CancelOutcome, []string, error) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return CancelNoop, nil, ErrNotFound
	}

	switch rec.snap.State {
	case StateQueued:
		r.queue = removeID(r.queue, id)
		r.finishLocked(rec, StateCancelled, nil, nil)
		paths := []string{rec.snap.BundlePath}
		r.mu.Unlock()
		return CancelledNow, paths, nil

	case StateProcessing:
		rec.cancelRequested = true
		fn := rec.cancel
		r.mu.Unlock()
		if fn != nil {
			fn()
		}
		return CancelSignalled, nil, nil

	default:
		r.mu.Unlock()
		return CancelNoop, nil, nil
	}
}

// Complete transitions a claimed task to completed with the given result.
// Calling it again on an already-completed task is a no-op; any other
// terminal state yields [ErrInvalidTransition].
func (r *Registry) Complete(id string, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalLocked(id, StateCompleted, nil, &res)
}

// Fail transitions a claimed or queued task to failed with the given error.
// Idempotent on already-failed tasks.
func (r *Registry) Fail(id string, terr Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalLocked(id, StateFailed, &terr, nil)
}

// terminalLocked applies a terminal transition with idempotency on a
// matching final state.
func (r *Registry) terminalLocked(id string, final State, terr *Error, res *Result) error {
	rec, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if rec.snap.State == final {
		return nil
	}
	if rec.snap.State.Terminal() {
		return fmt.Errorf("%w: %q is already %s", ErrInvalidTransition, id, rec.snap.State)
	}
	if rec.snap.State == StateQueued {
		r.queue = removeID(r.queue, id)
	}
	r.finishLocked(rec, final, terr, res)
	return nil
}

// finishLocked records a terminal state and releases the processing slot.
func (r *Registry) finishLocked(rec *record, final State, terr *Error, res *Result) {
	finished := r.now()
	rec.snap.State = final
	rec.snap.FinishedAt = &finished
	rec.snap.Err = terr
	rec.snap.Result = res
	rec.cancel = nil
	if r.processing == rec.snap.ID {
		r.processing = ""
	}
}

// Status returns a snapshot of the task, or ErrNotFound.
func (r *Registry) Status(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.snap, nil
}

// DropResult removes the result descriptor from a completed task, making
// the result inaccessible while keeping the terminal record. Idempotent.
func (r *Registry) DropResult(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tasks[id]; ok {
		rec.snap.Result = nil
	}
}

// Evict removes a terminal task record entirely and returns its artifact
// paths for deletion. Evicting an unknown id is a no-op; evicting a live
// task yields ErrInvalidTransition.
func (r *Registry) Evict(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, nil
	}
	if !rec.snap.State.Terminal() {
		return nil, fmt.Errorf("%w: evict %q in state %s", ErrInvalidTransition, id, rec.snap.State)
	}
	delete(r.tasks, id)
	return artifactPaths(rec), nil
}

// EvictExpired drops the task records whose results were removed by the
// retention sweeper, so both the result and status endpoints report the
// task as unknown afterwards.
func (r *Registry) EvictExpired(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		rec, ok := r.tasks[id]
		if !ok || !rec.snap.State.Terminal() {
			continue
		}
		delete(r.tasks, id)
		slog.Info("expired task evicted", "task_id", id)
	}
}

// PoolView returns the derived admission status.
func (r *Registry) PoolView() PoolView {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.liveLocked()
	proc := 0
	if r.processing != "" {
		proc = 1
	}
	return PoolView{
		IsFull:          live >= r.capacity,
		CurrentSize:     live,
		MaxSize:         r.capacity,
		ProcessingCount: proc,
	}
}

// liveLocked counts tasks occupying pool slots: queued plus processing.
func (r *Registry) liveLocked() int {
	n := len(r.queue)
	if r.processing != "" {
		n++
	}
	return n
}

// artifactPaths collects the on-disk paths owned by a task record.
func artifactPaths(rec *record) []string {
	var paths []string
	if rec.snap.BundlePath != "" {
		paths = append(paths, rec.snap.BundlePath)
	}
	if rec.snap.Result != nil && rec.snap.Result.Path != "" {
		paths = append(paths, rec.snap.Result.Path)
	}
	return paths
}

func removeID(queue []string, id string) []string {
	for i, q := range queue {
		if q == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}
