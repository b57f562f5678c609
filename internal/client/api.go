// Package client implements the batch side of the transcription service: it
// scans a directory tree for videos without subtitles, extracts and encodes
// their audio, submits encrypted bundles to the server, polls for completion,
// and saves the finished subtitles next to the videos.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/srtforge/srtforge/internal/task"
)

// Sentinel errors for submit outcomes the runner reacts to specially.
var (
	// ErrPoolFull means the server rejected the submission with 429.
	ErrPoolFull = errors.New("client: server pool is full")

	// ErrConflict means a task with the same id is already in flight.
	ErrConflict = errors.New("client: duplicate task id in flight")
)

// APIError is a non-2xx response carrying the server's error body.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("client: server returned %d (%s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("client: server returned %d (%s)", e.StatusCode, e.Code)
}

// API is an HTTP client for the transcription server.
type API struct {
	base string
	http *http.Client
}

// NewAPI creates an API client for the server at baseURL.
func NewAPI(baseURL string) *API {
	return &API{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Health checks the server's liveness endpoint.
func (a *API) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: health check: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// PoolStatus reports the server's admission status.
func (a *API) PoolStatus(ctx context.Context) (task.PoolView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/pool/status", nil)
	if err != nil {
		return task.PoolView{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return task.PoolView{}, fmt.Errorf("client: pool status: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return task.PoolView{}, responseError(resp)
	}
	var view task.PoolView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return task.PoolView{}, fmt.Errorf("client: pool status decode: %w", err)
	}
	return view, nil
}

// Submit uploads an encrypted bundle. A 429 returns [ErrPoolFull] and a 409
// returns [ErrConflict] so the caller can back off or skip.
func (a *API) Submit(ctx context.Context, taskID, model, password string, bundle []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("task_id", taskID); err != nil {
		return err
	}
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	if err := mw.WriteField("password", password); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("task_file", taskID+".bundle")
	if err != nil {
		return err
	}
	if _, err := part.Write(bundle); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/tasks/submit", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: submit: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusTooManyRequests:
		return ErrPoolFull
	case http.StatusConflict:
		return ErrConflict
	default:
		return responseError(resp)
	}
}

// TaskStatus is the server's view of a submitted task.
type TaskStatus struct {
	TaskID string      `json:"task_id"`
	Model  string      `json:"model"`
	State  task.State  `json:"state"`
	Error  *task.Error `json:"error,omitempty"`
}

// Status fetches the current state of a task.
func (a *API) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.base+"/tasks/"+url.PathEscape(taskID)+"/status", nil)
	if err != nil {
		return TaskStatus{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("client: status: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return TaskStatus{}, responseError(resp)
	}
	var st TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return TaskStatus{}, fmt.Errorf("client: status decode: %w", err)
	}
	return st, nil
}

// Download streams the finished subtitle file into w.
func (a *API) Download(ctx context.Context, taskID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.base+"/tasks/"+url.PathEscape(taskID)+"/result/download", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: download: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("client: download: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its artifacts from the server. Unknown tasks
// are not an error; the desired end state is reached either way.
func (a *API) DeleteTask(ctx context.Context, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		a.base+"/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: delete: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return responseError(resp)
	}
	return nil
}

// responseError decodes the standard error body, falling back to the bare
// status code when the body is not in the expected shape.
func responseError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Detail = body.Detail
	}
	return apiErr
}

// drain consumes and closes the response body so the connection can be
// reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
