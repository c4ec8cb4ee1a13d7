package job

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Terminal reports whether the status is an end state. Failed and stopped
// jobs remain retryable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Retryable reports whether a retry may transition the job back to queued.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusStopped
}

// Stoppable reports whether a stop request is valid for this status.
func (s Status) Stoppable() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Stage names one transformation pass applied to all segments in order.
type Stage string

const (
	StagePolish  Stage = "polish"
	StageEnhance Stage = "enhance"
	StageEmotion Stage = "emotion"
)

// Mode selects which stage sequence a job runs.
type Mode string

const (
	ModePolish        Mode = "polish"
	ModePolishEnhance Mode = "polish_enhance"
	ModeEmotion       Mode = "emotion"
)

// Stages returns the ordered stage sequence for the mode, or nil if the
// mode is unknown.
func (m Mode) Stages() []Stage {
	switch m {
	case ModePolish:
		return []Stage{StagePolish}
	case ModePolishEnhance:
		return []Stage{StagePolish, StageEnhance}
	case ModeEmotion:
		return []Stage{StageEmotion}
	}
	return nil
}

// Valid reports whether the mode is one of the supported stage sequences.
func (m Mode) Valid() bool {
	return m.Stages() != nil
}

// ModelConfig overrides the process-wide model settings for one stage.
// Empty fields fall back to the configured defaults.
type ModelConfig struct {
	Model   string `json:"model,omitempty" yaml:"model"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
}

// Job is one document submitted for transformation, tracked end to end.
// During a run its fields are written only by the pipeline runner; other
// readers see snapshots published to the store.
type Job struct {
	ID             string                `json:"id"`
	OriginalText   string                `json:"original_text"`
	Mode           Mode                  `json:"mode"`
	Status         Status                `json:"status"`
	CurrentStage   Stage                 `json:"current_stage"`
	CurrentSegment int                   `json:"current_segment"`
	TotalSegments  int                   `json:"total_segments"`
	Progress       float64               `json:"progress"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	FailedSegment  *int                  `json:"failed_segment,omitempty"`
	Overrides      map[Stage]ModelConfig `json:"overrides,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// SegmentStatus is the per-segment processing state.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// Segment is one bounded-size chunk of a job's text, the unit of model
// invocation. Indexes are contiguous from 0 and immutable once created.
type Segment struct {
	JobID        string        `json:"job_id"`
	Index        int           `json:"index"`
	Stage        Stage         `json:"stage"`
	OriginalText string        `json:"original_text"`
	PolishedText string        `json:"polished_text,omitempty"`
	EnhancedText string        `json:"enhanced_text,omitempty"`
	Status       SegmentStatus `json:"status"`
	PassThrough  bool          `json:"pass_through"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// OutputFor returns the segment's stored output for the given stage, or ""
// if the stage has not produced one yet.
func (s *Segment) OutputFor(stage Stage) string {
	if stage == StageEnhance {
		return s.EnhancedText
	}
	return s.PolishedText
}

// SetOutput records the stage's derived text for this segment.
func (s *Segment) SetOutput(stage Stage, text string) {
	if stage == StageEnhance {
		s.EnhancedText = text
		return
	}
	s.PolishedText = text
}

// InputFor returns the text the stage should transform. The enhancement
// stage works on the first-stage output rather than the original.
func (s *Segment) InputFor(stage Stage) string {
	if stage == StageEnhance && s.PolishedText != "" {
		return s.PolishedText
	}
	return s.OriginalText
}

// FinalText returns the best available text for assembling the finished
// document: second-stage output, else first-stage output, else the original.
func (s *Segment) FinalText() string {
	if s.EnhancedText != "" {
		return s.EnhancedText
	}
	if s.PolishedText != "" {
		return s.PolishedText
	}
	return s.OriginalText
}

// HistoryEntry is one role-tagged message in a job's rolling context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryContext is the persisted form of a job's rolling context for one
// stage. Only compressed history is ever stored; raw history is transient
// and rebuilt from segment outputs on resume.
type HistoryContext struct {
	JobID      string         `json:"job_id"`
	Stage      Stage          `json:"stage"`
	Entries    []HistoryEntry `json:"entries"`
	Compressed bool           `json:"compressed"`
	Size       int            `json:"size"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChangeSummary is a lightweight diff summary for one transformation.
type ChangeSummary struct {
	BeforeLength int  `json:"before_length"`
	AfterLength  int  `json:"after_length"`
	Changed      bool `json:"changed"`
}

// ChangeRecord is the audit record of one (segment, stage) transformation.
// At most one current record exists per key; re-runs overwrite it.
type ChangeRecord struct {
	JobID        string        `json:"job_id"`
	SegmentIndex int           `json:"segment_index"`
	Stage        Stage         `json:"stage"`
	BeforeText   string        `json:"before_text"`
	AfterText    string        `json:"after_text"`
	Summary      ChangeSummary `json:"summary"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
