package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srtforge/srtforge/internal/bundle"
	"github.com/srtforge/srtforge/internal/task"
)

const srtContent = "1\n00:00:01,000 --> 00:00:02,000\nHello.\n"

// fakeServer simulates the transcription server's lifecycle: each submitted
// task reports queued once, processing once, then completed (or failed for
// ids listed in failWith).
type fakeServer struct {
	t        *testing.T
	password string

	mu       sync.Mutex
	polls    map[string]int
	models   map[string]string
	deleted  []string
	fullFor  int
	failWith *task.Error
}

func newFakeServer(t *testing.T, password string) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:        t,
		password: password,
		polls:    make(map[string]int),
		models:   make(map[string]string),
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/health":
		w.WriteHeader(http.StatusOK)
	case path == "/pool/status":
		f.mu.Lock()
		full := f.fullFor > 0
		if full {
			f.fullFor--
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(task.PoolView{IsFull: full, CurrentSize: 0, MaxSize: 5})
	case path == "/tasks/submit":
		f.handleSubmit(w, r)
	case strings.HasSuffix(path, "/status"):
		f.handleStatus(w, taskID(path))
	case strings.HasSuffix(path, "/result/download"):
		io.WriteString(w, srtContent)
	case r.Method == http.MethodDelete:
		f.mu.Lock()
		f.deleted = append(f.deleted, taskID(path))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func taskID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (f *fakeServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		f.t.Errorf("submit parse: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := r.FormValue("task_id")

	file, _, err := r.FormFile("task_file")
	if err != nil {
		f.t.Errorf("submit missing task_file: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		f.t.Errorf("submit read: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	meta, _, err := bundle.Unpack(payload, f.password, f.t.TempDir())
	if err != nil {
		f.t.Errorf("submitted bundle does not unpack: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if meta.TaskID != id {
		f.t.Errorf("bundle task id %q != form task id %q", meta.TaskID, id)
	}

	f.mu.Lock()
	f.polls[id] = 0
	f.models[id] = r.FormValue("model")
	f.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"task_id":%q,"state":"queued"}`, id)
}

func (f *fakeServer) handleStatus(w http.ResponseWriter, id string) {
	f.mu.Lock()
	n, known := f.polls[id]
	f.polls[id] = n + 1
	fail := f.failWith
	f.mu.Unlock()

	if !known {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"not_found"}`)
		return
	}

	st := TaskStatus{TaskID: id, State: task.StateQueued}
	switch {
	case n == 1:
		st.State = task.StateProcessing
	case n >= 2 && fail != nil:
		st.State = task.StateFailed
		st.Error = fail
	case n >= 2:
		st.State = task.StateCompleted
	}
	json.NewEncoder(w).Encode(st)
}

func passthroughFFmpeg(t *testing.T) string {
	return fakeFFmpeg(t, `
for arg in "$@"; do last="$arg"; done
echo "opus audio" > "$last"
`)
}

func testOptions(serverURL, scanDir, ffmpeg string) Options {
	return Options{
		ServerURL:              serverURL,
		ScanDir:                scanDir,
		Model:                  "base",
		Password:               "batch-secret",
		FFmpegBinary:           ffmpeg,
		QueuedPollInterval:     10 * time.Millisecond,
		ProcessingPollInterval: 10 * time.Millisecond,
		PoolBackoff:            10 * time.Millisecond,
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	fs, srv := newFakeServer(t, "batch-secret")
	root := t.TempDir()
	touch(t, filepath.Join(root, "ep1.mkv"))
	touch(t, filepath.Join(root, "ep2.mp4"))

	sum, err := NewRunner(testOptions(srv.URL, root, passthroughFFmpeg(t))).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Ok() || sum.Succeeded != 2 {
		t.Fatalf("summary = %+v, want 2 successes", sum)
	}

	for _, stem := range []string{"ep1", "ep2"} {
		data, err := os.ReadFile(filepath.Join(root, stem+".srt"))
		if err != nil {
			t.Errorf("subtitle for %s missing: %v", stem, err)
			continue
		}
		if string(data) != srtContent {
			t.Errorf("subtitle for %s = %q, want %q", stem, data, srtContent)
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.deleted) != 2 {
		t.Errorf("server-side cleanup ran for %d tasks, want 2", len(fs.deleted))
	}
	for id, model := range fs.models {
		if model != "base" {
			t.Errorf("task %s submitted with model %q, want base", id, model)
		}
	}
}

func TestRunnerWaitsOutFullPool(t *testing.T) {
	fs, srv := newFakeServer(t, "batch-secret")
	fs.fullFor = 2
	root := t.TempDir()
	touch(t, filepath.Join(root, "ep1.mkv"))

	sum, err := NewRunner(testOptions(srv.URL, root, passthroughFFmpeg(t))).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Ok() {
		t.Fatalf("summary = %+v, want success after back-off", sum)
	}
	if fs.fullFor != 0 {
		t.Errorf("runner submitted before the pool freed up")
	}
}

func TestRunnerRecordsTaskFailure(t *testing.T) {
	fs, srv := newFakeServer(t, "batch-secret")
	fs.failWith = &task.Error{Code: "transcriber.exit", Message: "whisper exited with code 3"}
	root := t.TempDir()
	touch(t, filepath.Join(root, "ep1.mkv"))

	sum, err := NewRunner(testOptions(srv.URL, root, passthroughFFmpeg(t))).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Ok() || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failure", sum)
	}
	if got := sum.Results[0].Err; got == nil || !strings.Contains(got.Error(), "transcriber.exit") {
		t.Errorf("failure error = %v, want transcriber.exit carried through", got)
	}
	if exists(filepath.Join(root, "ep1.srt")) {
		t.Error("subtitle written for a failed task")
	}
}

func TestRunnerContinuesPastConvertFailure(t *testing.T) {
	_, srv := newFakeServer(t, "batch-secret")
	ffmpeg := fakeFFmpeg(t, `
for arg in "$@"; do
  case "$arg" in *broken*) echo "corrupt input" >&2; exit 1;; esac
  last="$arg"
done
echo "opus audio" > "$last"
`)
	root := t.TempDir()
	touch(t, filepath.Join(root, "broken.mkv"))
	touch(t, filepath.Join(root, "fine.mkv"))

	sum, err := NewRunner(testOptions(srv.URL, root, ffmpeg)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 1 {
		t.Fatalf("summary = %+v, want one failure and one success", sum)
	}
	if !exists(filepath.Join(root, "fine.srt")) {
		t.Error("healthy file did not get its subtitle")
	}
}

func TestRunnerSingleFile(t *testing.T) {
	_, srv := newFakeServer(t, "batch-secret")
	root := t.TempDir()
	video := filepath.Join(root, "only.mkv")
	touch(t, video)
	touch(t, filepath.Join(root, "ignored.mkv"))

	opts := testOptions(srv.URL, root, passthroughFFmpeg(t))
	opts.Single = video

	sum, err := NewRunner(opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Total != 1 || !sum.Ok() {
		t.Fatalf("summary = %+v, want exactly one success", sum)
	}
	if exists(filepath.Join(root, "ignored.srt")) {
		t.Error("single mode processed a scanned sibling")
	}
}

func TestRunnerOutputDir(t *testing.T) {
	_, srv := newFakeServer(t, "batch-secret")
	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "subs")
	touch(t, filepath.Join(root, "ep1.mkv"))

	opts := testOptions(srv.URL, root, passthroughFFmpeg(t))
	opts.OutputDir = out

	sum, err := NewRunner(opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Ok() {
		t.Fatalf("summary = %+v, want success", sum)
	}
	if !exists(filepath.Join(out, "ep1.srt")) {
		t.Error("subtitle missing from output dir")
	}
	if exists(filepath.Join(root, "ep1.srt")) {
		t.Error("subtitle also written next to the video")
	}
}

func TestRunnerHealthCheckBlocksBatch(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	root := t.TempDir()
	touch(t, filepath.Join(root, "ep1.mkv"))

	if _, err := NewRunner(testOptions(srv.URL, root, passthroughFFmpeg(t))).Run(context.Background()); err == nil {
		t.Fatal("expected health check failure to abort the run")
	}
}

func TestRunnerEmptyScan(t *testing.T) {
	_, srv := newFakeServer(t, "batch-secret")

	sum, err := NewRunner(testOptions(srv.URL, t.TempDir(), passthroughFFmpeg(t))).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Total != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
}
