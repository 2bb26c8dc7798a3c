// Package jobq dispatches submitted analyses to workers through a
// visibility-timeout queue backed by SQLite.
//
// A claimed row is invisible to other workers for the visibility window.
// A worker that finishes acks (deletes) the row; a worker that crashes or
// stalls lets the row reappear, so a submitted analysis is eventually run
// exactly-once-or-retried without an external broker.
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Schema is the analysis_queue table. Applied by the caller at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_queue (
    job_id     TEXT PRIMARY KEY,
    visible_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_analysis_queue_visible ON analysis_queue(visible_at);
`

// Ticket is a claimed queue row referencing a persisted job.
type Ticket struct {
	JobID     string
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Must exceed
	// the whole-pipeline time budget or a running job gets double-claimed.
	// Default: 15 minutes.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is dropped from the
	// queue (the job row itself stays, FAILED). 0 = unlimited. Default: 3.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle on db (Schema must be applied).
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Enqueue inserts a job that is immediately claimable.
func (q *Q) Enqueue(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO analysis_queue (job_id, visible_at, created_at) VALUES (?,?,?)`,
		jobID, now, now)
	return err
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility window. Returns nil, nil when nothing is claimable.
func (q *Q) Claim(ctx context.Context) (*Ticket, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE analysis_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id FROM analysis_queue
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING job_id, created_at, attempts`,
		hideUntil, now.UnixMilli())

	var t Ticket
	var createdAt int64
	err := row.Scan(&t.JobID, &createdAt, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	return &t, nil
}

// Ack deletes a finished job from the queue.
func (q *Q) Ack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM analysis_queue WHERE job_id = ?`, jobID)
	return err
}

// Nack makes a job immediately claimable again.
func (q *Q) Nack(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE analysis_queue SET visible_at = 0 WHERE job_id = ?`, jobID)
	return err
}

// Extend pushes the visibility window forward for a long-running job.
func (q *Q) Extend(ctx context.Context, jobID string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE analysis_queue SET visible_at = ? WHERE job_id = ?`,
		hideUntil, jobID)
	return err
}

// Len returns the number of queued (visible + claimed) jobs.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_queue`).Scan(&n)
	return n, err
}

// Handler runs one claimed analysis. Return nil to ack, non-nil to nack.
// Exceeded is called instead when a job has burned through MaxAttempts.
type Handler func(ctx context.Context, t *Ticket) error

// Run polls for claimable jobs with bounded concurrency until ctx is
// cancelled, draining in-flight handlers before returning. exceeded may
// be nil.
func (q *Q) Run(ctx context.Context, maxConcurrency int, handler Handler, exceeded func(ctx context.Context, t *Ticket)) {
	log := q.opts.Logger
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log.Info("jobq: worker started",
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
		"max_concurrency", maxConcurrency)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: worker stopping, draining in-flight jobs")
			wg.Wait()
			log.Info("jobq: worker stopped")
			return
		case <-ticker.C:
		}

		for {
			ticket, err := q.Claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("jobq: claim failed", "error", err)
				}
				break
			}
			if ticket == nil {
				break
			}

			if q.opts.MaxAttempts > 0 && ticket.Attempts > q.opts.MaxAttempts {
				log.Warn("jobq: job exceeded max attempts, dropping from queue",
					"job_id", ticket.JobID, "attempts", ticket.Attempts)
				if exceeded != nil {
					exceeded(ctx, ticket)
				}
				_ = q.Ack(ctx, ticket.JobID)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = q.Nack(ctx, ticket.JobID)
				wg.Wait()
				return
			}

			wg.Add(1)
			go func(t *Ticket) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := handler(ctx, t); err != nil {
					log.Warn("jobq: handler failed, nacking",
						"job_id", t.JobID, "error", err)
					_ = q.Nack(context.Background(), t.JobID)
				} else {
					_ = q.Ack(context.Background(), t.JobID)
				}
			}(ticket)
		}
	}
}
