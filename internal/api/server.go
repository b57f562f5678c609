// Package api exposes the HTTP surface of the transcription server:
// submission, status, result retrieval, cancellation, pool status, health,
// and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srtforge/srtforge/internal/health"
	"github.com/srtforge/srtforge/internal/observe"
	"github.com/srtforge/srtforge/internal/store"
	"github.com/srtforge/srtforge/internal/task"
)

// fileFields are the accepted multipart field names for the bundle upload.
var fileFields = []string{"task_file", "audio_file"}

// Server wires the HTTP handlers to the task registry and the store.
type Server struct {
	reg     *task.Registry
	store   *store.Store
	metrics *observe.Metrics
	health  *health.Handler
	log     *slog.Logger

	maxUploadBytes int64

	// models holds the current model policy. It is swapped atomically so a
	// config reload can change it under live traffic.
	models atomic.Pointer[modelPolicy]
}

// modelPolicy is the submit-time model validation state.
type modelPolicy struct {
	defaultModel string
	allowed      []string
}

// Config carries the request-validation settings for the API.
type Config struct {
	MaxUploadBytes int64
	DefaultModel   string
	AllowedModels  []string
}

// New creates a Server.
func New(reg *task.Registry, st *store.Store, metrics *observe.Metrics, hh *health.Handler, cfg Config) *Server {
	s := &Server{
		reg:            reg,
		store:          st,
		metrics:        metrics,
		health:         hh,
		log:            slog.Default().With("component", "api"),
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	s.SetModelPolicy(cfg.DefaultModel, cfg.AllowedModels)
	return s
}

// SetModelPolicy replaces the default model and the allow-list. Safe to call
// while the server is handling requests.
func (s *Server) SetModelPolicy(defaultModel string, allowed []string) {
	s.models.Store(&modelPolicy{
		defaultModel: defaultModel,
		allowed:      slices.Clone(allowed),
	})
}

// Router builds the route table with the observability middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/tasks/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/result/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/result", s.handleDeleteResult).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/pool/status", s.handlePoolStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.health.Register(r)

	mw := observe.Middleware(s.metrics, func(req *http.Request) string {
		route := mux.CurrentRoute(req)
		if route == nil {
			return ""
		}
		tmpl, err := route.GetPathTemplate()
		if err != nil {
			return ""
		}
		return tmpl
	})
	return mw(r)
}

// submitResponse is the body returned for an accepted submission.
type submitResponse struct {
	TaskID     string        `json:"task_id"`
	State      task.State    `json:"state"`
	AcceptedAt time.Time     `json:"accepted_at"`
	Pool       task.PoolView `json:"pool"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(4 << 20); err != nil {
		s.metrics.RecordSubmission(ctx, "bad_request")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("upload exceeds the %d byte limit", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "malformed multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	id := r.FormValue("task_id")
	if err := validateTaskID(id); err != nil {
		s.metrics.RecordSubmission(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	password := r.FormValue("password")
	if password == "" {
		s.metrics.RecordSubmission(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request", "password field is required")
		return
	}

	pol := s.models.Load()
	model := r.FormValue("model")
	if model == "" {
		model = pol.defaultModel
	}
	if !slices.Contains(pol.allowed, model) {
		s.metrics.RecordSubmission(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("model %q is not allowed; valid models: %s", model, strings.Join(pol.allowed, ", ")))
		return
	}

	file, err := s.bundleFile(r)
	if err != nil {
		s.metrics.RecordSubmission(ctx, "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer file.Close()

	bundlePath, err := s.store.PutBundle(id, file)
	if err != nil {
		s.log.Error("bundle staging failed", "task_id", id, "error", err)
		s.metrics.RecordSubmission(ctx, "bad_request")
		writeError(w, http.StatusInternalServerError, "internal", "could not store upload")
		return
	}

	evicted, err := s.reg.Admit(id, model, password, bundlePath)
	switch {
	case errors.Is(err, task.ErrConflict):
		s.store.DiscardBundle(bundlePath)
		s.metrics.RecordSubmission(ctx, "conflict")
		writeError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("task %q is already queued or processing", id))
		return
	case errors.Is(err, task.ErrPoolFull):
		s.store.DiscardBundle(bundlePath)
		s.metrics.RecordSubmission(ctx, "pool_full")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "pool_full",
			"pool":  s.reg.PoolView(),
		})
		return
	case err != nil:
		s.store.DiscardBundle(bundlePath)
		s.log.Error("admission failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not admit task")
		return
	}

	s.removePaths(evicted)
	s.metrics.RecordSubmission(ctx, "accepted")
	s.metrics.QueueDepth.Add(ctx, 1)
	s.log.Info("task accepted", "task_id", id, "model", model)

	snap, _ := s.reg.Status(id)
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:     id,
		State:      task.StateQueued,
		AcceptedAt: snap.SubmittedAt,
		Pool:       s.reg.PoolView(),
	})
}

// bundleFile returns the uploaded bundle stream, accepting either field name.
func (s *Server) bundleFile(r *http.Request) (multipart.File, error) {
	for _, name := range fileFields {
		file, _, err := r.FormFile(name)
		if err == nil {
			return file, nil
		}
	}
	return nil, fmt.Errorf("a %s file field is required", strings.Join(fileFields, " or "))
}

// statusResponse is the wire form of a task snapshot.
type statusResponse struct {
	TaskID      string          `json:"task_id"`
	Model       string          `json:"model"`
	State       task.State      `json:"state"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       *task.Error     `json:"error,omitempty"`
	Result      *resultResponse `json:"result,omitempty"`
}

type resultResponse struct {
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toStatusResponse(snap task.Snapshot) statusResponse {
	resp := statusResponse{
		TaskID:      snap.ID,
		Model:       snap.Model,
		State:       snap.State,
		SubmittedAt: snap.SubmittedAt,
		StartedAt:   snap.StartedAt,
		FinishedAt:  snap.FinishedAt,
		Error:       snap.Err,
	}
	if snap.Result != nil {
		resp.Result = &resultResponse{
			SizeBytes: snap.Result.Size,
			CreatedAt: snap.Result.CreatedAt,
			ExpiresAt: snap.Result.ExpiresAt,
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(snap))
}

// resultView is the wire form of a completed task's result descriptor.
type resultView struct {
	TaskID    string     `json:"task_id"`
	State     task.State `json:"state"`
	SRTSize   int64      `json:"srt_size"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// handleResult reports the result descriptor of a task. A task that has not
// finished yet yields 409 so pollers can distinguish "try later" from a
// missing result; failed and cancelled tasks yield their status so the
// caller learns why no result exists.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !snap.State.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "not_ready",
			"state": snap.State,
		})
		return
	}
	if snap.State != task.StateCompleted {
		writeJSON(w, http.StatusOK, toStatusResponse(snap))
		return
	}
	if snap.Result == nil {
		writeError(w, http.StatusNotFound, "not_found", "result has been deleted or expired")
		return
	}
	writeJSON(w, http.StatusOK, resultView{
		TaskID:    snap.ID,
		State:     snap.State,
		SRTSize:   snap.Result.Size,
		CreatedAt: snap.Result.CreatedAt,
		ExpiresAt: snap.Result.ExpiresAt,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !snap.State.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "not_ready",
			"state": snap.State,
		})
		return
	}
	if snap.State != task.StateCompleted || snap.Result == nil {
		writeError(w, http.StatusNotFound, "not_found", "no downloadable result for this task")
		return
	}

	f, err := s.store.OpenResult(snap.ID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "result has been deleted or expired")
			return
		}
		s.log.Error("result open failed", "task_id", snap.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not open result")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.log.Error("result stat failed", "task_id", snap.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read result")
		return
	}

	w.Header().Set("Content-Type", "application/x-subrip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", snap.ID+".srt"))
	http.ServeContent(w, r, snap.ID+".srt", info.ModTime(), f)
}

// handleDeleteResult removes a task's result file while keeping the task
// record. Repeating the call is a no-op.
func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.reg.DropResult(snap.ID)
	s.store.RemoveResult(snap.ID)
	s.log.Info("result deleted", "task_id", snap.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteTask cancels a live task or evicts a terminal one.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	outcome, paths, err := s.reg.RequestCancel(id)
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown task %q", id))
		return
	}
	s.removePaths(paths)

	switch outcome {
	case task.CancelledNow:
		s.metrics.QueueDepth.Add(r.Context(), -1)
		s.metrics.RecordFinished(r.Context(), string(task.StateCancelled))
		s.log.Info("queued task cancelled", "task_id", id)
	case task.CancelSignalled:
		s.log.Info("cancellation signalled to running task", "task_id", id)
	case task.CancelNoop:
		// Already terminal: remove the record and its artifacts.
		evicted, err := s.reg.Evict(id)
		if err != nil {
			s.log.Error("eviction failed", "task_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not delete task")
			return
		}
		s.removePaths(evicted)
		s.log.Info("terminal task deleted", "task_id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.PoolView())
}

// lookup resolves the {id} path variable to a snapshot, writing a 404 when
// the task is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (task.Snapshot, bool) {
	id := mux.Vars(r)["id"]
	snap, err := s.reg.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown task %q", id))
		return task.Snapshot{}, false
	}
	return snap, true
}

// removePaths deletes artifact files returned by registry operations.
func (s *Server) removePaths(paths []string) {
	for _, p := range paths {
		s.store.DiscardBundle(p)
	}
}

// validateTaskID enforces the task id contract: 1 to 128 printable ASCII
// characters, no path separators, no parent-directory traversal. Task ids
// become file names, so the filesystem rules apply on top of the printable
// requirement.
func validateTaskID(id string) error {
	if id == "" {
		return errors.New("task_id field is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("task_id exceeds 128 characters (got %d)", len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf("task_id contains non-printable or non-ASCII byte at position %d", i)
		}
		if c == '/' || c == '\\' {
			return errors.New("task_id must not contain path separators")
		}
	}
	if strings.Contains(id, "..") {
		return errors.New("task_id must not contain \"..\"")
	}
	return nil
}

// writeError emits the standard error body {"error": code, "detail": msg}.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"error":  code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}
