package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/refinelab/refinery/internal/job"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateJob inserts a new job record.
func (s *Store) CreateJob(j *job.Job) error {
	overrides, err := marshalOverrides(j.Overrides)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(
		`INSERT INTO jobs (id, original_text, mode, status, current_stage, current_segment,
		                   total_segments, progress, error_message, failed_segment, overrides,
		                   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OriginalText, j.Mode, j.Status, j.CurrentStage, j.CurrentSegment,
		j.TotalSegments, j.Progress, nullString(j.ErrorMessage), nullInt(j.FailedSegment),
		overrides, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob reads one job by id. Returns ErrNotFound when absent.
func (s *Store) GetJob(id string) (*job.Job, error) {
	row := s.conn.QueryRow(
		`SELECT id, original_text, mode, status, current_stage, current_segment,
		        total_segments, progress, error_message, failed_segment, overrides,
		        created_at, updated_at, completed_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// UpdateJob writes a full snapshot of the job's mutable fields.
func (s *Store) UpdateJob(j *job.Job) error {
	j.UpdatedAt = time.Now().UTC()
	var completedAt interface{}
	if j.CompletedAt != nil {
		completedAt = formatTime(*j.CompletedAt)
	}
	res, err := s.conn.Exec(
		`UPDATE jobs SET status = ?, current_stage = ?, current_segment = ?, total_segments = ?,
		        progress = ?, error_message = ?, failed_segment = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		j.Status, j.CurrentStage, j.CurrentSegment, j.TotalSegments,
		j.Progress, nullString(j.ErrorMessage), nullInt(j.FailedSegment),
		formatTime(j.UpdatedAt), completedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	return nil
}

// ListJobs returns job snapshots ordered newest first.
func (s *Store) ListJobs(limit, offset int) ([]job.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.conn.Query(
		`SELECT id, original_text, mode, status, current_stage, current_segment,
		        total_segments, progress, error_message, failed_segment, overrides,
		        created_at, updated_at, completed_at
		 FROM jobs ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var errorMessage, overrides, completedAt sql.NullString
	var failedSegment sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.OriginalText, &j.Mode, &j.Status, &j.CurrentStage,
		&j.CurrentSegment, &j.TotalSegments, &j.Progress, &errorMessage,
		&failedSegment, &overrides, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if errorMessage.Valid {
		j.ErrorMessage = errorMessage.String
	}
	if failedSegment.Valid {
		v := int(failedSegment.Int64)
		j.FailedSegment = &v
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &j.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

// CreateSegments inserts the ordered segment list for a job in one
// transaction and is called exactly once, after segmentation.
func (s *Store) CreateSegments(segs []job.Segment) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO segments (job_id, idx, stage, original_text, status, pass_through)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range segs {
		seg := &segs[i]
		if _, err := stmt.Exec(seg.JobID, seg.Index, seg.Stage, seg.OriginalText, seg.Status, seg.PassThrough); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}
	return tx.Commit()
}

// GetSegments returns a job's segments ordered by index.
func (s *Store) GetSegments(jobID string) ([]job.Segment, error) {
	rows, err := s.conn.Query(
		`SELECT job_id, idx, stage, original_text, polished_text, enhanced_text,
		        status, pass_through, completed_at
		 FROM segments WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get segments: %w", err)
	}
	defer rows.Close()

	var segs []job.Segment
	for rows.Next() {
		var seg job.Segment
		var polished, enhanced, completedAt sql.NullString
		if err := rows.Scan(&seg.JobID, &seg.Index, &seg.Stage, &seg.OriginalText,
			&polished, &enhanced, &seg.Status, &seg.PassThrough, &completedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if polished.Valid {
			seg.PolishedText = polished.String
		}
		if enhanced.Valid {
			seg.EnhancedText = enhanced.String
		}
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			seg.CompletedAt = &t
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// UpdateSegment writes one segment's mutable fields.
func (s *Store) UpdateSegment(seg *job.Segment) error {
	var completedAt interface{}
	if seg.CompletedAt != nil {
		completedAt = formatTime(*seg.CompletedAt)
	}
	res, err := s.conn.Exec(
		`UPDATE segments SET stage = ?, polished_text = ?, enhanced_text = ?,
		        status = ?, pass_through = ?, completed_at = ?
		 WHERE job_id = ? AND idx = ?`,
		seg.Stage, nullString(seg.PolishedText), nullString(seg.EnhancedText),
		seg.Status, seg.PassThrough, completedAt, seg.JobID, seg.Index,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("segment %s/%d: %w", seg.JobID, seg.Index, ErrNotFound)
	}
	return nil
}

// SaveHistory upserts the compressed history for a (job, stage) key. At
// most one record exists per key; only compressed history is persisted.
func (s *Store) SaveHistory(h *job.HistoryContext) error {
	entries, err := json.Marshal(h.Entries)
	if err != nil {
		return fmt.Errorf("encode history entries: %w", err)
	}
	h.UpdatedAt = time.Now().UTC()
	_, err = s.conn.Exec(
		`INSERT INTO history_contexts (job_id, stage, entries, compressed, size, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, stage) DO UPDATE SET
		   entries = excluded.entries, compressed = excluded.compressed,
		   size = excluded.size, updated_at = excluded.updated_at`,
		h.JobID, h.Stage, string(entries), h.Compressed, h.Size, formatTime(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// GetHistory reads the persisted history for a (job, stage) key, or nil
// when none exists.
func (s *Store) GetHistory(jobID string, stage job.Stage) (*job.HistoryContext, error) {
	row := s.conn.QueryRow(
		`SELECT job_id, stage, entries, compressed, size, updated_at
		 FROM history_contexts WHERE job_id = ? AND stage = ?`, jobID, stage)

	var h job.HistoryContext
	var entries, updatedAt string
	err := row.Scan(&h.JobID, &h.Stage, &entries, &h.Compressed, &h.Size, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if err := json.Unmarshal([]byte(entries), &h.Entries); err != nil {
		return nil, fmt.Errorf("decode history entries: %w", err)
	}
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

// UpsertChangeRecord writes the audit record for one (segment, stage) pair,
// replacing any previous record for the same key.
func (s *Store) UpsertChangeRecord(rec *job.ChangeRecord) error {
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("encode change summary: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	_, err = s.conn.Exec(
		`INSERT INTO change_records (job_id, segment_index, stage, before_text, after_text, summary, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, segment_index, stage) DO UPDATE SET
		   before_text = excluded.before_text, after_text = excluded.after_text,
		   summary = excluded.summary, updated_at = excluded.updated_at`,
		rec.JobID, rec.SegmentIndex, rec.Stage, rec.BeforeText, rec.AfterText,
		string(summary), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert change record: %w", err)
	}
	return nil
}

// GetChangeRecords returns a job's change records ordered by segment, with
// first-stage records before second-stage ones.
func (s *Store) GetChangeRecords(jobID string) ([]job.ChangeRecord, error) {
	rows, err := s.conn.Query(
		`SELECT job_id, segment_index, stage, before_text, after_text, summary, updated_at
		 FROM change_records WHERE job_id = ?
		 ORDER BY segment_index, CASE WHEN stage = 'enhance' THEN 1 ELSE 0 END`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get change records: %w", err)
	}
	defer rows.Close()

	var records []job.ChangeRecord
	for rows.Next() {
		var rec job.ChangeRecord
		var summary sql.NullString
		var updatedAt string
		if err := rows.Scan(&rec.JobID, &rec.SegmentIndex, &rec.Stage,
			&rec.BeforeText, &rec.AfterText, &summary, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		if summary.Valid && summary.String != "" {
			if err := json.Unmarshal([]byte(summary.String), &rec.Summary); err != nil {
				return nil, fmt.Errorf("decode change summary: %w", err)
			}
		}
		rec.UpdatedAt = parseTime(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// JobEvent is one row of a job's audit trail.
type JobEvent struct {
	ID        int    `json:"id"`
	JobID     string `json:"job_id"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// LogJobEvent appends an event to a job's audit trail.
func (s *Store) LogJobEvent(jobID, event, stage, detail string) error {
	_, err := s.conn.Exec(
		`INSERT INTO job_events (job_id, event, stage, detail) VALUES (?, ?, ?, ?)`,
		jobID, event, stage, detail)
	if err != nil {
		return fmt.Errorf("log job event: %w", err)
	}
	return nil
}

// GetJobEvents returns a job's audit trail, newest first.
func (s *Store) GetJobEvents(jobID string) ([]JobEvent, error) {
	rows, err := s.conn.Query(
		`SELECT id, job_id, event, stage, detail, timestamp
		 FROM job_events WHERE job_id = ? ORDER BY timestamp DESC, id DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job events: %w", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if stage.Valid {
			e.Stage = stage.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalOverrides(overrides map[job.Stage]job.ModelConfig) (interface{}, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("encode overrides: %w", err)
	}
	return string(data), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
