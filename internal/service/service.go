// Package service is the job management façade: submission, status, retry,
// stop, streaming, and export, backed by the store, the admission
// controller, and the pipeline runner.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/admission"
	"github.com/refinelab/refinery/internal/job"
	"github.com/refinelab/refinery/internal/runner"
	"github.com/refinelab/refinery/internal/store"
	"github.com/refinelab/refinery/internal/stream"
)

var (
	// ErrUnknownMode rejects submissions with an unsupported processing mode.
	ErrUnknownMode = errors.New("unknown processing mode")
	// ErrEmptyText rejects submissions without document text.
	ErrEmptyText = errors.New("document text is empty")
	// ErrInvalidTransition rejects retry/stop requests from the wrong state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotCompleted rejects export of a job that hasn't finished.
	ErrNotCompleted = errors.New("job is not completed")
)

// Service coordinates job lifecycles. Each accepted job runs as a
// supervised task with its own cancellable context.
type Service struct {
	store     *store.Store
	admission *admission.Controller
	stream    *stream.Broadcaster
	runner    *runner.Runner
	logger    *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewService wires the façade from its collaborators.
func NewService(st *store.Store, adm *admission.Controller, bc *stream.Broadcaster, r *runner.Runner, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		admission: adm,
		stream:    bc,
		runner:    r,
		logger:    logger,
		tasks:     make(map[string]*Task),
	}
}

// SubmitRequest carries a new job's inputs.
type SubmitRequest struct {
	Text      string                        `json:"text"`
	Mode      job.Mode                      `json:"mode"`
	Overrides map[job.Stage]job.ModelConfig `json:"overrides,omitempty"`
}

// Submit validates the request, persists a queued job, and launches its
// supervised run. The returned task completes when the job reaches a
// terminal state.
func (s *Service) Submit(req SubmitRequest) (*job.Job, *Task, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil, ErrEmptyText
	}
	if !req.Mode.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:           uuid.NewString(),
		OriginalText: req.Text,
		Mode:         req.Mode,
		Status:       job.StatusQueued,
		Overrides:    req.Overrides,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(j); err != nil {
		return nil, nil, fmt.Errorf("persist job: %w", err)
	}
	if err := s.store.LogJobEvent(j.ID, "submitted", "", string(req.Mode)); err != nil {
		s.logger.Warn("log submit event", zap.String("job_id", j.ID), zap.Error(err))
	}

	task := s.launch(j.ID)
	s.logger.Info("job submitted",
		zap.String("job_id", j.ID),
		zap.String("mode", string(req.Mode)))
	return j, task, nil
}

// launch starts a supervised run for the job and tracks its handle until
// the run terminates.
func (s *Service) launch(jobID string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(jobID, cancel)

	s.mu.Lock()
	s.tasks[jobID] = task
	s.mu.Unlock()

	go func() {
		defer cancel()
		err := s.runner.Run(ctx, jobID)

		s.mu.Lock()
		delete(s.tasks, jobID)
		s.mu.Unlock()

		task.finish(err)
	}()
	return task
}

// Task returns the supervising handle for a running job, if any.
func (s *Service) Task(jobID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[jobID]
	return t, ok
}

// Status returns the job's current snapshot.
func (s *Service) Status(jobID string) (*job.Job, error) {
	return s.store.GetJob(jobID)
}

// List returns job snapshots, newest first.
func (s *Service) List(limit, offset int) ([]job.Job, error) {
	return s.store.ListJobs(limit, offset)
}

// Segments returns the job's segments in order.
func (s *Service) Segments(jobID string) ([]job.Segment, error) {
	return s.store.GetSegments(jobID)
}

// Changes returns the job's change records ordered by segment and stage.
func (s *Service) Changes(jobID string) ([]job.ChangeRecord, error) {
	return s.store.GetChangeRecords(jobID)
}

// Events returns the job's audit trail, newest first.
func (s *Service) Events(jobID string) ([]store.JobEvent, error) {
	return s.store.GetJobEvents(jobID)
}

// Stop cancels a queued or processing job. The runner observes the
// cancellation at its next segment boundary and records the stopped state;
// when no run is in flight the transition is recorded directly.
func (s *Service) Stop(jobID string) error {
	j, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !j.Status.Stoppable() {
		return fmt.Errorf("%w: cannot stop job in state %q", ErrInvalidTransition, j.Status)
	}

	if task, ok := s.Task(jobID); ok {
		task.Stop()
		s.logger.Info("job stop requested", zap.String("job_id", jobID))
		return nil
	}

	// No supervised run (e.g. a queued job from before a restart).
	j.Status = job.StatusStopped
	j.ErrorMessage = "stopped by user"
	if err := s.store.UpdateJob(j); err != nil {
		return fmt.Errorf("record stop: %w", err)
	}
	if err := s.store.LogJobEvent(jobID, "stopped", "", ""); err != nil {
		s.logger.Warn("log stop event", zap.String("job_id", jobID), zap.Error(err))
	}
	s.stream.Publish(jobID, stream.Event{Type: stream.EventStopped, Progress: j.Progress})
	return nil
}

// Retry relaunches a failed or stopped job. Completed segments are
// retained; processing resumes at the recorded failure point.
func (s *Service) Retry(jobID string) (*job.Job, *Task, error) {
	j, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	if !j.Status.Retryable() {
		return nil, nil, fmt.Errorf("%w: cannot retry job in state %q", ErrInvalidTransition, j.Status)
	}
	if _, running := s.Task(jobID); running {
		return nil, nil, fmt.Errorf("%w: job is still running", ErrInvalidTransition)
	}

	j.Status = job.StatusQueued
	if err := s.store.UpdateJob(j); err != nil {
		return nil, nil, fmt.Errorf("requeue job: %w", err)
	}
	if err := s.store.LogJobEvent(jobID, "retried", "", ""); err != nil {
		s.logger.Warn("log retry event", zap.String("job_id", jobID), zap.Error(err))
	}

	task := s.launch(jobID)
	s.logger.Info("job retried", zap.String("job_id", jobID))
	return j, task, nil
}

// Export assembles the finished document from segment outputs, preferring
// second-stage text, then first-stage text, then the original. Only
// completed jobs can be exported.
func (s *Service) Export(jobID string) (string, error) {
	j, err := s.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if j.Status != job.StatusCompleted {
		return "", fmt.Errorf("%w: job is %q", ErrNotCompleted, j.Status)
	}

	segs, err := s.store.GetSegments(jobID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		parts = append(parts, seg.FinalText())
	}
	return strings.Join(parts, "\n\n"), nil
}

// Subscribe attaches a consumer to the job's event feed.
func (s *Service) Subscribe(jobID string) *stream.Subscription {
	return s.stream.Subscribe(jobID)
}

// Unsubscribe detaches a consumer.
func (s *Service) Unsubscribe(jobID string, sub *stream.Subscription) {
	s.stream.Unsubscribe(jobID, sub)
}

// QueueStatus reports the job's admission state: whether it is active, its
// queue position, and the estimated wait.
func (s *Service) QueueStatus(jobID string) admission.Status {
	return s.admission.StatusFor(jobID)
}

// UpdateLimit changes the concurrency limit at runtime, promoting queued
// jobs when the limit grows.
func (s *Service) UpdateLimit(limit int) error {
	if limit < 1 {
		return fmt.Errorf("concurrency limit must be at least 1, got %d", limit)
	}
	s.admission.UpdateLimit(limit)
	s.logger.Info("concurrency limit updated", zap.Int("limit", limit))
	return nil
}
