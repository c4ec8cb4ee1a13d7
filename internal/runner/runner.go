// Package runner executes the staged rewriting pipeline for one job: it
// segments the document, drives each stage's model calls in order, and
// publishes progress to the job's stream. The runner is the only writer of
// the job record while a run is in flight; readers see store snapshots.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/admission"
	"github.com/refinelab/refinery/internal/config"
	"github.com/refinelab/refinery/internal/job"
	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/store"
	"github.com/refinelab/refinery/internal/stream"
	"github.com/refinelab/refinery/internal/textseg"
)

const (
	defaultTemperature     = 0.7
	compressionTemperature = 0.3
	maxErrorLength         = 500
)

// Completer is the model call the runner depends on.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, temperature float64, maxTokens int) (string, error)
}

// CompleterFactory builds a Completer for the given model parameters. Jobs
// may override the configured model per stage, so clients are created per
// run rather than shared.
type CompleterFactory func(m job.ModelConfig) Completer

// NewCompleterFactory returns the production factory backed by the HTTP
// chat-completions client.
func NewCompleterFactory(logger *zap.Logger) CompleterFactory {
	return func(m job.ModelConfig) Completer {
		return llm.NewClient(m.Model, m.APIKey, m.BaseURL, logger)
	}
}

// Runner drives jobs through their stage sequence.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	admission  *admission.Controller
	stream     *stream.Broadcaster
	completers CompleterFactory
	logger     *zap.Logger
}

// NewRunner wires a runner from its collaborators.
func NewRunner(cfg *config.Config, st *store.Store, adm *admission.Controller, bc *stream.Broadcaster, factory CompleterFactory, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      st,
		admission:  adm,
		stream:     bc,
		completers: factory,
		logger:     logger,
	}
}

// Run executes the job end to end: admission, segmentation (first run
// only), every stage of the job's mode, and the terminal transition. It
// blocks until the job reaches a terminal state and returns the terminal
// error, if any. Cancelling ctx stops the job at the next segment boundary.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	j, err := r.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	// A retry starts clean. Stage loops skip finished work by stored
	// segment output, not by the failure index of the previous run.
	j.ErrorMessage = ""
	j.FailedSegment = nil

	stages := j.Mode.Stages()
	if stages == nil {
		return r.fail(j, fmt.Errorf("unsupported processing mode %q", j.Mode))
	}

	if err := r.admission.Acquire(ctx, jobID); err != nil {
		return r.finish(ctx, j, fmt.Errorf("waiting for admission: %w", err))
	}
	defer r.admission.Release(jobID)
	r.logEvent(jobID, "admitted", "", "")

	j.Status = job.StatusProcessing
	if err := r.store.UpdateJob(j); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	segs, err := r.loadOrCreateSegments(j)
	if err != nil {
		return r.fail(j, err)
	}

	if len(segs) > 0 {
		for _, stage := range stages {
			if err := r.processStage(ctx, j, segs, stage); err != nil {
				return r.finish(ctx, j, err)
			}
		}
	}

	return r.complete(j)
}

// loadOrCreateSegments returns the job's segments, splitting the document
// on the first run. Segmentation happens exactly once; retries reuse the
// stored segments.
func (r *Runner) loadOrCreateSegments(j *job.Job) ([]job.Segment, error) {
	segs, err := r.store.GetSegments(j.ID)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	if len(segs) == 0 {
		for i, text := range textseg.Split(j.OriginalText, r.cfg.Limits.SegmentMaxSize) {
			segs = append(segs, job.Segment{
				JobID:        j.ID,
				Index:        i,
				Stage:        job.StagePolish,
				OriginalText: text,
				Status:       job.SegmentPending,
			})
		}
		if len(segs) > 0 {
			if err := r.store.CreateSegments(segs); err != nil {
				return nil, fmt.Errorf("create segments: %w", err)
			}
		}
	}

	j.TotalSegments = len(segs)
	if err := r.store.UpdateJob(j); err != nil {
		return nil, fmt.Errorf("record segment count: %w", err)
	}
	return segs, nil
}

// finish records the terminal state for a run aborted by err: stopped when
// the job's context was cancelled, failed otherwise.
func (r *Runner) finish(ctx context.Context, j *job.Job, err error) error {
	if ctx.Err() != nil {
		return r.stop(j)
	}
	return r.fail(j, err)
}

func (r *Runner) complete(j *job.Job) error {
	now := time.Now().UTC()
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.ErrorMessage = ""
	j.FailedSegment = nil
	j.CompletedAt = &now
	if err := r.store.UpdateJob(j); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	r.logEvent(j.ID, "completed", "", "")
	r.stream.Publish(j.ID, stream.Event{Type: stream.EventCompleted, Progress: 100})
	r.logger.Info("job completed",
		zap.String("job_id", j.ID),
		zap.Int("segments", j.TotalSegments))
	return nil
}

func (r *Runner) fail(j *job.Job, err error) error {
	j.Status = job.StatusFailed
	if j.ErrorMessage == "" {
		j.ErrorMessage = truncateError(err.Error())
	}
	if uerr := r.store.UpdateJob(j); uerr != nil {
		r.logger.Error("record job failure", zap.String("job_id", j.ID), zap.Error(uerr))
	}

	r.logEvent(j.ID, "failed", string(j.CurrentStage), j.ErrorMessage)
	r.stream.Publish(j.ID, stream.Event{
		Type:         stream.EventFailed,
		Stage:        j.CurrentStage,
		SegmentIndex: j.CurrentSegment,
		Progress:     j.Progress,
		Message:      j.ErrorMessage,
	})
	r.logger.Warn("job failed",
		zap.String("job_id", j.ID),
		zap.String("stage", string(j.CurrentStage)),
		zap.Error(err))
	return err
}

func (r *Runner) stop(j *job.Job) error {
	j.Status = job.StatusStopped
	j.ErrorMessage = "stopped by user"
	if err := r.store.UpdateJob(j); err != nil {
		r.logger.Error("record job stop", zap.String("job_id", j.ID), zap.Error(err))
	}

	r.logEvent(j.ID, "stopped", string(j.CurrentStage), "")
	r.stream.Publish(j.ID, stream.Event{
		Type:         stream.EventStopped,
		Stage:        j.CurrentStage,
		SegmentIndex: j.CurrentSegment,
		Progress:     j.Progress,
	})
	r.logger.Info("job stopped", zap.String("job_id", j.ID))
	return context.Canceled
}

// logEvent appends to the job's audit trail. Audit failures are logged and
// otherwise ignored so they never abort a run.
func (r *Runner) logEvent(jobID, event, stage, detail string) {
	if err := r.store.LogJobEvent(jobID, event, stage, detail); err != nil {
		r.logger.Warn("log job event",
			zap.String("job_id", jobID),
			zap.String("event", event),
			zap.Error(err))
	}
}

func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLength {
		return msg
	}
	return string(runes[:maxErrorLength]) + "..."
}
