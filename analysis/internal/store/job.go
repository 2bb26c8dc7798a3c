package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job is one persisted analysis run. InputJSON is the immutable snapshot
// of the validated questionnaire; only the orchestrator mutates status,
// progress, and result.
type Job struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	InputJSON       string `json:"input_json"`
	Status          Status `json:"status"`
	Progress        int    `json:"progress"`
	CurrentStage    string `json:"current_stage"`
	ResultJSON      string `json:"result_json"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ErrorRemedy     string `json:"error_remedy,omitempty"`
	FallbackUsed    bool   `json:"fallback_used"`
	CancelRequested bool   `json:"cancel_requested"`
	CreatedAt       int64  `json:"created_at"`
	StartedAt       *int64 `json:"started_at,omitempty"`
	FinishedAt      *int64 `json:"finished_at,omitempty"`
	UpdatedAt       int64  `json:"updated_at"`
}

const jobColumns = `id, owner_id, input_json, status, progress, current_stage,
	result_json, error_code, error_message, error_remedy, fallback_used,
	cancel_requested, created_at, started_at, finished_at, updated_at`

// CreateJob inserts a new job in CREATED state.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	now := time.Now().UnixMilli()
	if j.Status == "" {
		j.Status = StatusCreated
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.ResultJSON == "" {
		j.ResultJSON = "{}"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, input_json, status, progress,
			current_stage, result_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OwnerID, j.InputJSON, j.Status, j.Progress,
		j.CurrentStage, j.ResultJSON, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or nil if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	j := &Job{}
	var fallback, cancel int
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.OwnerID, &j.InputJSON, &j.Status, &j.Progress,
		&j.CurrentStage, &j.ResultJSON, &j.ErrorCode, &j.ErrorMessage,
		&j.ErrorRemedy, &fallback, &cancel, &j.CreatedAt,
		&startedAt, &finishedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.FallbackUsed = fallback == 1
	j.CancelRequested = cancel == 1
	if startedAt.Valid {
		j.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Int64
	}
	return j, nil
}

// Transition is one atomic job state change. Zero-valued fields are left
// untouched; Progress applies monotonically (the stored value never
// decreases).
type Transition struct {
	Status       Status // "" keeps the current status
	Progress     int    // applied as MAX(progress, ?); <0 keeps
	Stage        string // "" keeps the current stage
	ResultJSON   string // "" keeps the current result
	ErrorCode    string
	ErrorMessage string
	ErrorRemedy  string
	FallbackUsed bool // OR-ed into the stored flag
	MarkStarted  bool // sets started_at if not yet set
	MarkFinished bool // sets finished_at
}

// ErrTerminal is returned when a transition targets a job already in a
// terminal state. Terminal states are never left.
var ErrTerminal = errors.New("store: job is in a terminal state")

// ErrNotFound is returned when a transition targets a missing job.
var ErrNotFound = errors.New("store: job not found")

// ApplyTransition atomically persists one state change. It refuses to
// touch terminal jobs, keeping transitions forward-only.
func (s *Store) ApplyTransition(ctx context.Context, jobID string, t Transition) error {
	now := time.Now().UnixMilli()

	var set []string
	var args []any
	if t.Status != "" {
		set = append(set, "status = ?")
		args = append(args, t.Status)
	}
	if t.Progress >= 0 {
		set = append(set, "progress = MAX(progress, ?)")
		args = append(args, t.Progress)
	}
	if t.Stage != "" {
		set = append(set, "current_stage = ?")
		args = append(args, t.Stage)
	}
	if t.ResultJSON != "" {
		set = append(set, "result_json = ?")
		args = append(args, t.ResultJSON)
	}
	if t.ErrorCode != "" {
		set = append(set, "error_code = ?, error_message = ?, error_remedy = ?")
		args = append(args, t.ErrorCode, t.ErrorMessage, t.ErrorRemedy)
	}
	if t.FallbackUsed {
		set = append(set, "fallback_used = 1")
	}
	if t.MarkStarted {
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if t.MarkFinished {
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	set = append(set, "updated_at = ?")
	args = append(args, now)

	args = append(args,
		jobID,
		StatusCompleted, StatusDegradedComplete, StatusFailed, StatusCancelled)

	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+
			` WHERE id = ? AND status NOT IN (?,?,?,?)`,
		args...)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		j, gerr := s.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if j == nil {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation.
// Returns ErrNotFound for missing jobs and ErrTerminal for finished ones.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN (?,?,?,?)`,
		time.Now().UnixMilli(), jobID,
		StatusCompleted, StatusDegradedComplete, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		j, gerr := s.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if j == nil {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// CancelRequested reports whether cancellation was requested for jobID.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// DeleteJob removes a job. Findings cascade.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

// PurgeFinishedBefore deletes terminal jobs finished before cutoff
// (retention). Findings cascade. Returns rows removed.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
