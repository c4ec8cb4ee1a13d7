package service

import (
	"context"
	"errors"
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
	"github.com/refinelab/refinery/internal/store"
	"github.com/refinelab/refinery/internal/stream"
)

const waitTimeout = 5 * time.Second

type fakeCompleter struct {
	mu      sync.Mutex
	calls   int
	respond func(messages []llm.Message) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(messages)
	}
	return "rewritten text for this passage", nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Limits.MaxConcurrentJobs = 2
	cfg.Limits.SegmentMaxSize = 500
	cfg.Limits.PassThroughThreshold = 15
	cfg.Limits.HistoryCompressionThreshold = 5000
	cfg.Models.Default = config.ModelParams{Model: "test-model", APIKey: "sk-test", BaseURL: "https://llm.test/v1"}
	cfg.Prompts.Polish = "Polish."
	cfg.Prompts.Enhance = "Enhance."
	cfg.Prompts.Emotion = "Emotion."
	cfg.Prompts.Compression = "Compress."
	return cfg
}

func newTestService(t *testing.T) (*Service, *fakeCompleter, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig()
	logger := zap.NewNop()
	adm := admission.NewController(cfg.Limits.MaxConcurrentJobs)
	bc := stream.NewBroadcaster(stream.DefaultBufferSize, logger)
	fake := &fakeCompleter{}
	r := runner.NewRunner(cfg, st, adm, bc,
		func(m job.ModelConfig) runner.Completer { return fake }, logger)
	return NewService(st, adm, bc, r, logger), fake, st
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(waitTimeout):
		t.Fatal("task did not finish in time")
	}
}

const docText = "This opening paragraph carries plenty of letters for processing.\n" +
	"This closing paragraph also carries plenty of letters for processing."

func TestSubmitRunsToCompletion(t *testing.T) {
	s, fake, _ := newTestService(t)

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if j.ID == "" {
		t.Fatal("Submit() returned job without id")
	}
	if j.Status != job.StatusQueued {
		t.Errorf("initial status = %q, want queued", j.Status)
	}

	waitDone(t, task)
	if task.Err() != nil {
		t.Fatalf("task error = %v", task.Err())
	}

	got, err := s.Status(j.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("final status = %q, want completed", got.Status)
	}
	if fake.calls != 2 {
		t.Errorf("model calls = %d, want 2", fake.calls)
	}
	if _, running := s.Task(j.ID); running {
		t.Error("task still tracked after completion")
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _, _ := newTestService(t)

	if _, _, err := s.Submit(SubmitRequest{Text: "  ", Mode: job.ModePolish}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("empty text error = %v, want ErrEmptyText", err)
	}
	if _, _, err := s.Submit(SubmitRequest{Text: "some text", Mode: "translate"}); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("bad mode error = %v, want ErrUnknownMode", err)
	}
}

func TestExport(t *testing.T) {
	s, _, _ := newTestService(t)

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitDone(t, task)

	out, err := s.Export(j.ID)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	want := "rewritten text for this passage\n\nrewritten text for this passage"
	if out != want {
		t.Errorf("Export() = %q, want %q", out, want)
	}
}

func TestExportRequiresCompletion(t *testing.T) {
	s, fake, _ := newTestService(t)
	fake.respond = func(messages []llm.Message) (string, error) {
		return "", errors.New("model call failed: boom")
	}

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitDone(t, task)

	if _, err := s.Export(j.ID); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("Export() error = %v, want ErrNotCompleted", err)
	}
}

func TestStopAndRetry(t *testing.T) {
	s, fake, _ := newTestService(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.respond = func(messages []llm.Message) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "rewritten text for this passage", nil
	}

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("run never started")
	}
	if err := s.Stop(j.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	close(release)
	waitDone(t, task)

	got, err := s.Status(j.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != job.StatusStopped {
		t.Fatalf("status after stop = %q, want stopped", got.Status)
	}

	fake.respond = nil
	_, retryTask, err := s.Retry(j.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	waitDone(t, retryTask)

	got, err = s.Status(j.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status after retry = %q, want completed", got.Status)
	}
}

func TestStopWithoutRunningTask(t *testing.T) {
	s, _, st := newTestService(t)

	j := &job.Job{ID: "orphan", OriginalText: "text", Mode: job.ModePolish, Status: job.StatusQueued}
	if err := st.CreateJob(j); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := s.Stop("orphan"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	got, err := s.Status("orphan")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != job.StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}
}

func TestRetryRejectsWrongState(t *testing.T) {
	s, _, _ := newTestService(t)

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitDone(t, task)

	if _, _, err := s.Retry(j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry(completed) error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Stop(j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stop(completed) error = %v, want ErrInvalidTransition", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s, fake, _ := newTestService(t)

	release := make(chan struct{})
	fake.respond = func(messages []llm.Message) (string, error) {
		<-release
		return "rewritten text for this passage", nil
	}

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sub := s.Subscribe(j.ID)
	defer s.Unsubscribe(j.ID, sub)
	close(release)
	waitDone(t, task)

	var types []string
	deadline := time.After(waitTimeout)
collect:
	for {
		select {
		case ev := <-sub.C:
			types = append(types, ev.Type)
			if ev.Type == stream.EventCompleted {
				break collect
			}
		case <-deadline:
			t.Fatalf("never saw completed event, got %v", types)
		}
	}

	if !contains(types, stream.EventContent) {
		t.Errorf("events %v missing content", types)
	}
	if types[len(types)-1] != stream.EventCompleted {
		t.Errorf("last event = %q, want completed", types[len(types)-1])
	}
}

func TestUpdateLimit(t *testing.T) {
	s, _, _ := newTestService(t)

	if err := s.UpdateLimit(0); err == nil {
		t.Error("UpdateLimit(0) expected error")
	}
	if err := s.UpdateLimit(3); err != nil {
		t.Errorf("UpdateLimit(3) error = %v", err)
	}
}

func TestErrorMessageTruncated(t *testing.T) {
	s, fake, _ := newTestService(t)
	fake.respond = func(messages []llm.Message) (string, error) {
		return "", errors.New("model call failed: " + strings.Repeat("x", 2000))
	}

	j, task, err := s.Submit(SubmitRequest{Text: docText, Mode: job.ModePolish})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitDone(t, task)

	got, err := s.Status(j.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if len([]rune(got.ErrorMessage)) > 503 {
		t.Errorf("error message length = %d, want truncated", len([]rune(got.ErrorMessage)))
	}
	if !strings.HasSuffix(got.ErrorMessage, "...") {
		t.Errorf("truncated message should end with ellipsis")
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
