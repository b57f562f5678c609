// Package task holds the authoritative state of every transcription task:
// the task records themselves, the FIFO queue of pending work, and the
// bounded-admission rules that give the server back-pressure.
//
// All shared state lives in a [Registry]. Mutations are serialized by a
// single mutex and never block on I/O; filesystem cleanup for evicted tasks
// is returned to the caller as a list of paths instead of being performed
// under the lock.
package task

import "time"

// State is the lifecycle state of a task.
//
// Valid transitions: queued → processing → {completed | failed};
// cancelled is reachable from queued only. A task never re-enters a
// non-terminal state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Error is the machine-readable failure recorded on a failed task. Code is a
// short dotted identifier (e.g. "bundle.auth", "transcriber.exit"); Message
// is a human-readable summary safe to return to clients.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure codes recorded on tasks by the worker.
const (
	CodeBundleAuth      = "bundle.auth"
	CodeBundleSchema    = "bundle.schema"
	CodeBundleFormat    = "bundle.format"
	CodeTranscriberExit = "transcriber.exit"
	CodeNoOutput        = "transcriber.no_output"
	CodeAmbiguousOutput = "transcriber.ambiguous_output"
	CodeStoragePublish  = "storage.publish"
	CodeCancelled       = "task.cancelled"
	CodeInternal        = "internal"
)

// Result describes a published subtitle artifact.
type Result struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Snapshot is a consistent, caller-owned copy of a task's state. Pointer
// fields are nil when the corresponding event has not happened.
type Snapshot struct {
	ID          string
	Model       string
	Password    string
	BundlePath  string
	State       State
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Err         *Error
	Result      *Result
}

// PoolView is the derived admission status of the task pool.
// IsFull holds exactly when CurrentSize+ProcessingCount ≥ MaxSize.
type PoolView struct {
	IsFull          bool `json:"is_full"`
	CurrentSize     int  `json:"current_size"`
	MaxSize         int  `json:"max_size"`
	ProcessingCount int  `json:"processing_count"`
}
