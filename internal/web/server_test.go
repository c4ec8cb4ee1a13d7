package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/admission"
	"github.com/refinelab/refinery/internal/config"
	"github.com/refinelab/refinery/internal/job"
	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/service"
	"github.com/refinelab/refinery/internal/store"
	"github.com/refinelab/refinery/internal/stream"
)

type fakeCompleter struct {
	mu      sync.Mutex
	respond func(messages []llm.Message) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) (string, error) {
	f.mu.Lock()
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(messages)
	}
	return "rewritten text for this passage", nil
}

func newTestServer(t *testing.T) (*Server, *service.Service, *fakeCompleter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{}
	cfg.Limits.MaxConcurrentJobs = 2
	cfg.Limits.SegmentMaxSize = 500
	cfg.Limits.PassThroughThreshold = 15
	cfg.Limits.HistoryCompressionThreshold = 5000
	cfg.Models.Default = config.ModelParams{Model: "test-model", APIKey: "sk-test", BaseURL: "https://llm.test/v1"}
	cfg.Prompts.Polish = "Polish."
	cfg.Prompts.Compression = "Compress."

	logger := zap.NewNop()
	adm := admission.NewController(cfg.Limits.MaxConcurrentJobs)
	bc := stream.NewBroadcaster(stream.DefaultBufferSize, logger)
	fake := &fakeCompleter{}
	r := runner.NewRunner(cfg, st, adm, bc,
		func(m job.ModelConfig) runner.Completer { return fake }, logger)
	svc := service.NewService(st, adm, bc, r, logger)
	return NewServer(svc, "127.0.0.1", 0, logger), svc, fake
}

func submitAndWait(t *testing.T, srv *Server, svc *service.Service, text string) job.Job {
	t.Helper()
	body := `{"text": ` + jsonString(text) + `, "mode": "polish"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /jobs status = %d, body %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	if task, ok := svc.Task(j.ID); ok {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("job did not finish")
		}
	}
	return j
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const docText = "This opening paragraph carries plenty of letters for processing.\nThis closing paragraph also carries plenty of letters for processing."

func TestSubmitAndGetJob(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	j := submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs/{id} status = %d", rec.Code)
	}

	var got job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %v, want 100", got.Progress)
	}
}

func TestSubmitRejectsBadMode(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"text": "hello", "mode": "translate"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown processing mode") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	submitAndWait(t, srv, svc, docText)
	submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodGet, "/jobs?limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs status = %d", rec.Code)
	}
	var jobs []job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}
}

func TestExportEndpoint(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	j := submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID+"/export", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	want := "rewritten text for this passage\n\nrewritten text for this passage"
	if rec.Body.String() != want {
		t.Errorf("export body = %q, want %q", rec.Body.String(), want)
	}
}

func TestChangesEndpoint(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	j := submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID+"/changes", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("changes status = %d", rec.Code)
	}
	var recs []job.ChangeRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode changes: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len(changes) = %d, want 2", len(recs))
	}
}

func TestRetryEndpointRejectsCompleted(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	j := submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+j.ID+"/retry", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("retry status = %d, want 400", rec.Code)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/queue/status?job_id=some-job", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d", rec.Code)
	}
	var st admission.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Limit != 2 {
		t.Errorf("limit = %d, want 2", st.Limit)
	}

	// Without job_id the endpoint still reports the controller snapshot.
	req = httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("id-less queue status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Limit != 2 || st.Position != 0 {
		t.Errorf("id-less status = %+v, want limit 2 and no position", st)
	}
}

func TestQueueLimitEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/queue/limit", strings.NewReader(`{"limit": 4}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put limit status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/queue/limit", strings.NewReader(`{"limit": 0}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("put limit 0 status = %d, want 400", rec.Code)
	}
}

func TestStreamEndsForTerminalJob(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	j := submitAndWait(t, srv, svc, docText)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID+"/stream", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: done") || !strings.Contains(body, "completed") {
		t.Errorf("stream body = %q, want done event with completed", body)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	srv, _, fake := newTestServer(t)

	release := make(chan struct{})
	fake.mu.Lock()
	fake.respond = func(messages []llm.Message) (string, error) {
		<-release
		return "rewritten text for this passage", nil
	}
	fake.mu.Unlock()

	body := strings.NewReader(`{"text": "A paragraph with quite enough letters for one model call.", "mode": "polish"}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /jobs status = %d", rec.Code)
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/" + j.ID + "/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	close(release)

	scanner := bufio.NewScanner(resp.Body)
	sawContent := false
	sawDone := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, `"type":"content"`) {
			sawContent = true
		}
		if strings.HasPrefix(line, "event: done") {
			sawDone = true
			break
		}
	}
	if !sawContent {
		t.Error("stream never delivered a content event")
	}
	if !sawDone {
		t.Error("stream never delivered the done event")
	}
}
