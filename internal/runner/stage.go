package runner

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/job"
	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/stream"
	"github.com/refinelab/refinery/internal/textseg"
)

// processStage runs one transformation pass over all segments in order.
// Segments that already carry this stage's output are skipped, so a retry
// re-processes only unfinished work.
func (r *Runner) processStage(ctx context.Context, j *job.Job, segs []job.Segment, stage job.Stage) error {
	j.CurrentStage = stage
	if err := r.store.UpdateJob(j); err != nil {
		return fmt.Errorf("record current stage: %w", err)
	}
	r.logEvent(j.ID, "stage_started", string(stage), "")

	model := r.resolveModel(j, stage)
	comp := r.completers(model)
	prompt := r.cfg.PromptFor(stage)

	hist, total, err := r.loadHistory(j.ID, stage)
	if err != nil {
		return err
	}

	twoStage := len(j.Mode.Stages()) == 2

	for i := 0; i < len(segs); i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seg := &segs[i]

		j.CurrentSegment = i
		j.Progress = progressFor(stage, twoStage, i, len(segs))
		if err := r.store.UpdateJob(j); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		r.stream.Publish(j.ID, stream.Event{
			Type:         stream.EventProgress,
			Stage:        stage,
			SegmentIndex: i,
			Progress:     j.Progress,
		})

		// Trivial segments (headings, list markers) pass through unchanged
		// and never enter the history context.
		if textseg.Length(seg.OriginalText) < r.cfg.Limits.PassThroughThreshold {
			if !seg.PassThrough {
				now := time.Now().UTC()
				seg.PassThrough = true
				seg.Stage = stage
				seg.PolishedText = seg.OriginalText
				seg.EnhancedText = seg.OriginalText
				seg.Status = job.SegmentCompleted
				seg.CompletedAt = &now
				if err := r.store.UpdateSegment(seg); err != nil {
					return fmt.Errorf("record pass-through segment: %w", err)
				}
			}
			continue
		}

		// A segment that already carries this stage's output was finished
		// by an earlier run. It still feeds the rolling context, and a
		// failure recorded after its output landed (a compression error)
		// must not leave it marked failed.
		if out := seg.OutputFor(stage); out != "" {
			if seg.Status != job.SegmentCompleted {
				now := time.Now().UTC()
				seg.Status = job.SegmentCompleted
				seg.CompletedAt = &now
				if err := r.store.UpdateSegment(seg); err != nil {
					return fmt.Errorf("restore finished segment: %w", err)
				}
			}
			hist = append(hist, job.HistoryEntry{Role: "assistant", Content: out})
			total += textseg.Length(out)
			continue
		}

		seg.Status = job.SegmentProcessing
		seg.Stage = stage
		if err := r.store.UpdateSegment(seg); err != nil {
			return fmt.Errorf("mark segment processing: %w", err)
		}

		input := seg.InputFor(stage)
		messages := buildMessages(hist, prompt, input)

		output, err := comp.Complete(ctx, messages, defaultTemperature, 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.segmentFailure(j, seg, stage, err)
		}

		now := time.Now().UTC()
		seg.SetOutput(stage, output)
		seg.Status = job.SegmentCompleted
		seg.CompletedAt = &now
		if err := r.store.UpdateSegment(seg); err != nil {
			return fmt.Errorf("record segment output: %w", err)
		}

		if err := r.recordChange(j.ID, seg.Index, stage, input, output); err != nil {
			return err
		}
		r.stream.Publish(j.ID, stream.Event{
			Type:         stream.EventContent,
			Stage:        stage,
			SegmentIndex: i,
			Content:      output,
			Progress:     j.Progress,
		})

		hist = append(hist, job.HistoryEntry{Role: "assistant", Content: output})
		total += textseg.Length(output)

		if total > r.cfg.Limits.HistoryCompressionThreshold {
			hist, total, err = r.compressHistory(ctx, j.ID, stage, hist)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return r.segmentFailure(j, seg, stage, fmt.Errorf("compress history: %w", err))
			}
		}
	}

	return nil
}

// segmentFailure records which segment broke the run, then surfaces the
// error.
func (r *Runner) segmentFailure(j *job.Job, seg *job.Segment, stage job.Stage, err error) error {
	seg.Status = job.SegmentFailed
	if uerr := r.store.UpdateSegment(seg); uerr != nil {
		r.logger.Error("record segment failure",
			zap.String("job_id", j.ID),
			zap.Int("segment", seg.Index),
			zap.Error(uerr))
	}

	idx := seg.Index
	wrapped := fmt.Errorf("segment %d failed in %s stage: %w", idx+1, stage, err)
	j.FailedSegment = &idx
	j.ErrorMessage = truncateError(wrapped.Error())
	r.logEvent(j.ID, "segment_failed", string(stage), fmt.Sprintf("segment %d", idx))
	return wrapped
}

func (r *Runner) resolveModel(j *job.Job, stage job.Stage) job.ModelConfig {
	m := r.cfg.ModelFor(stage)
	if o, ok := j.Overrides[stage]; ok {
		if o.Model != "" {
			m.Model = o.Model
		}
		if o.APIKey != "" {
			m.APIKey = o.APIKey
		}
		if o.BaseURL != "" {
			m.BaseURL = o.BaseURL
		}
	}
	return m
}

// progressFor maps the current position onto 0-100. In two-stage mode the
// first stage spans 0-50 and the second 50-100.
func progressFor(stage job.Stage, twoStage bool, idx, total int) float64 {
	if total == 0 {
		return 100
	}
	frac := float64(idx) / float64(total)
	if twoStage {
		if stage == job.StageEnhance {
			return min100(50 + frac*50)
		}
		return min100(frac * 50)
	}
	return min100(frac * 100)
}

func min100(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}

// buildMessages assembles the chat transcript: accumulated history, the
// stage's system prompt, then the passage to rewrite.
func buildMessages(hist []job.HistoryEntry, prompt, input string) []llm.Message {
	messages := make([]llm.Message, 0, len(hist)+2)
	for _, h := range hist {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages,
		llm.Message{Role: "system", Content: prompt},
		llm.Message{Role: "user", Content: "\n\n" + input},
	)
	return messages
}

func (r *Runner) recordChange(jobID string, idx int, stage job.Stage, before, after string) error {
	rec := &job.ChangeRecord{
		JobID:        jobID,
		SegmentIndex: idx,
		Stage:        stage,
		BeforeText:   before,
		AfterText:    after,
		Summary: job.ChangeSummary{
			BeforeLength: utf8.RuneCountInString(before),
			AfterLength:  utf8.RuneCountInString(after),
			Changed:      before != after,
		},
	}
	if err := r.store.UpsertChangeRecord(rec); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}
