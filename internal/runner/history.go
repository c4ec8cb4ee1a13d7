package runner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/job"
	"github.com/refinelab/refinery/internal/llm"
	"github.com/refinelab/refinery/internal/stream"
	"github.com/refinelab/refinery/internal/textseg"
)

// compressedKeep is how many of the newest history entries feed compression.
const compressedKeep = 3

const summaryPrefix = "Summary of previously processed segments:\n"
const compressionRequest = "Compress the following processed text and extract its key style features:\n\n"
const historySeparator = "\n\n---\n\n"

// loadHistory seeds the stage's rolling context. Only a compressed summary
// is ever persisted, so a resume after compression starts from the summary;
// the stage loop re-appends the outputs of segments it skips.
func (r *Runner) loadHistory(jobID string, stage job.Stage) ([]job.HistoryEntry, int, error) {
	saved, err := r.store.GetHistory(jobID, stage)
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}
	if saved != nil && saved.Compressed && len(saved.Entries) > 0 {
		total := 0
		for _, e := range saved.Entries {
			total += textseg.Length(e.Content)
		}
		return saved.Entries, total, nil
	}
	return nil, 0, nil
}

// compressHistory replaces the accumulated history with a single summary
// entry produced by the compression model, persists it, and notifies
// subscribers. An already compressed history is returned unchanged.
func (r *Runner) compressHistory(ctx context.Context, jobID string, stage job.Stage, hist []job.HistoryEntry) ([]job.HistoryEntry, int, error) {
	if len(hist) == 1 && hist[0].Role == "system" {
		return hist, textseg.Length(hist[0].Content), nil
	}

	recent := hist
	if len(recent) > compressedKeep {
		recent = recent[len(recent)-compressedKeep:]
	}

	// Prior summaries come first so the new summary subsumes them.
	var parts []string
	for _, e := range recent {
		if e.Role == "system" && e.Content != "" {
			parts = append(parts, e.Content)
		}
	}
	for _, e := range recent {
		if e.Role == "assistant" && e.Content != "" {
			parts = append(parts, e.Content)
		}
	}

	messages := []llm.Message{
		{Role: "system", Content: r.cfg.Prompts.Compression},
		{Role: "user", Content: compressionRequest + strings.Join(parts, historySeparator)},
	}

	comp := r.completers(r.cfg.CompressionModel())
	summary, err := comp.Complete(ctx, messages, compressionTemperature, 0)
	if err != nil {
		return nil, 0, err
	}

	compressed := []job.HistoryEntry{{Role: "system", Content: summaryPrefix + summary}}
	size := textseg.Length(compressed[0].Content)

	if err := r.store.SaveHistory(&job.HistoryContext{
		JobID:      jobID,
		Stage:      stage,
		Entries:    compressed,
		Compressed: true,
		Size:       size,
	}); err != nil {
		return nil, 0, fmt.Errorf("save compressed history: %w", err)
	}

	r.logEvent(jobID, "compressed", string(stage), fmt.Sprintf("history reduced to %d chars", size))
	r.stream.Publish(jobID, stream.Event{
		Type:    stream.EventHistoryCompressed,
		Stage:   stage,
		Message: fmt.Sprintf("history compressed for %s stage", stage),
	})
	r.logger.Info("history compressed",
		zap.String("job_id", jobID),
		zap.String("stage", string(stage)),
		zap.Int("size", size))

	return compressed, size, nil
}
