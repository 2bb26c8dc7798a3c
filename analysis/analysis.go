// Package analysis is the brand analysis service: validation gate, job
// submission, the worker loop that drains the queue through the
// pipeline, and the HTTP/WebSocket surface.
package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/brandscope/analysis/internal/fetch"
	"github.com/hazyhaar/brandscope/analysis/internal/pipeline"
	"github.com/hazyhaar/brandscope/analysis/internal/store"
	"github.com/hazyhaar/brandscope/hub"
	"github.com/hazyhaar/brandscope/idgen"
	"github.com/hazyhaar/brandscope/jobq"
)

// Schema is the service's SQLite schema: jobs, findings, audit trail,
// and the analysis queue. The SERP cache schema lives in serpgate.
const Schema = store.Schema + "\n" + jobq.Schema

// Options wires the service.
type Options struct {
	// Gateway is the SERP gateway. Required.
	Gateway pipeline.Gateway
	// Fetcher overrides the default content fetcher (tests).
	Fetcher pipeline.Fetcher
	// Fetch configures the default fetcher when Fetcher is nil.
	Fetch fetch.Options
	// Pipeline configures the runner.
	Pipeline pipeline.Options
	// Queue configures the visibility-timeout queue.
	Queue jobq.Options
	// Hub configures the progress hub.
	Hub hub.Options
	// Concurrency is how many jobs run at once. Default: 2.
	Concurrency int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

// Service owns job lifecycle end to end. One instance serves both the
// HTTP surface and the worker loop.
type Service struct {
	store       *store.Store
	queue       *jobq.Q
	hub         *hub.Hub
	runner      *pipeline.Runner
	concurrency int
	logger      *slog.Logger
}

// New creates a Service on db (Schema must be applied).
func New(db *sql.DB, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Fetcher == nil {
		opts.Fetch.Logger = opts.Logger
		opts.Fetcher = fetch.New(opts.Fetch)
	}
	opts.Queue.Logger = opts.Logger
	opts.Hub.Logger = opts.Logger
	opts.Pipeline.Logger = opts.Logger

	st := store.New(db)
	h := hub.New(opts.Hub)
	return &Service{
		store:       st,
		queue:       jobq.New(db, opts.Queue),
		hub:         h,
		runner:      pipeline.New(st, h, opts.Fetcher, opts.Gateway, opts.Pipeline),
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Hub exposes the progress hub (stream endpoint, tests).
func (s *Service) Hub() *hub.Hub { return s.hub }

// Submit validates the questionnaire, creates a durable job, and queues
// it. A rejected questionnaire leaves only an audit row.
func (s *Service) Submit(ctx context.Context, ownerID string, in QuestionnaireInput) (string, error) {
	if err := validateInput(&in); err != nil {
		s.store.Audit(ctx, "input_rejected", "", ownerID, err.Error())
		return "", err
	}

	payload, err := json.Marshal(&in)
	if err != nil {
		return "", fmt.Errorf("snapshot input: %w", err)
	}
	job := &store.Job{
		ID:        idgen.Job(),
		OwnerID:   ownerID,
		InputJSON: string(payload),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.store.Audit(ctx, "job_submitted", job.ID, ownerID, in.Target)
	s.logger.Info("job submitted", "job_id", job.ID, "target", in.Target)
	return job.ID, nil
}

// Status returns the caller's view of a job. Jobs the caller does not
// own are indistinguishable from missing ones.
func (s *Service) Status(ctx context.Context, jobID, ownerID string) (*JobView, error) {
	job, err := s.getOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	return viewOf(job), nil
}

// CancelOwned requests cooperative cancellation on behalf of an owner.
func (s *Service) CancelOwned(ctx context.Context, jobID, ownerID string) error {
	if _, err := s.getOwned(ctx, jobID, ownerID); err != nil {
		return err
	}
	return s.Cancel(ctx, jobID)
}

// Cancel requests cooperative cancellation. The pipeline honors it at
// the next stage boundary; findings staged so far are kept. Cancel also
// implements hub.Controller for the realtime channel, where ownership
// was checked at subscribe time.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	err := s.store.RequestCancel(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, store.ErrTerminal):
		return ErrJobFinished
	case err != nil:
		return err
	}
	s.store.Audit(ctx, "cancel_requested", jobID, "", "")
	return nil
}

// Snapshot returns the job's current state as a hub event, for late
// subscribers and status-query frames. Implements hub.Controller.
func (s *Service) Snapshot(ctx context.Context, jobID string) (hub.Event, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return hub.Event{}, err
	}
	if job == nil {
		return hub.Event{}, ErrJobNotFound
	}

	typ := hub.EventProgress
	switch {
	case job.Status == store.StatusFailed:
		typ = hub.EventError
	case job.Status.Terminal():
		typ = hub.EventCompleted
	}
	return hub.Event{
		Type:         typ,
		JobID:        job.ID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Stage:        job.CurrentStage,
		Message:      job.ErrorMessage,
		Remedy:       job.ErrorRemedy,
		FallbackUsed: job.FallbackUsed,
		Terminal:     job.Status.Terminal(),
		At:           time.Now().UnixMilli(),
	}, nil
}

// Findings lists a job's staged findings, best score first. kind ""
// means all kinds.
func (s *Service) Findings(ctx context.Context, jobID, ownerID string, kind store.FindingKind) ([]*store.Finding, error) {
	if _, err := s.getOwned(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	return s.store.ListFindings(ctx, jobID, kind)
}

// Run drives the worker loop and the hub heartbeats until ctx is
// cancelled, draining in-flight jobs before returning.
func (s *Service) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	handler := func(ctx context.Context, t *jobq.Ticket) error {
		return s.runner.Run(ctx, t.JobID)
	}
	exceeded := func(ctx context.Context, t *jobq.Ticket) {
		remedy := "The analysis crashed repeatedly. Re-submit it or contact support."
		err := s.store.ApplyTransition(ctx, t.JobID, store.Transition{
			Status: store.StatusFailed, Progress: -1,
			ErrorCode: "internal_error", ErrorMessage: "analysis aborted after repeated crashes",
			ErrorRemedy: remedy, MarkFinished: true,
		})
		if err != nil {
			s.logger.Error("failed to bury crashed job", "job_id", t.JobID, "error", err)
			return
		}
		s.hub.Publish(t.JobID, hub.Event{
			Type:     hub.EventError,
			Status:   string(store.StatusFailed),
			Message:  "analysis aborted after repeated crashes",
			Remedy:   remedy,
			Terminal: true,
		})
		s.store.Audit(ctx, "job_buried", t.JobID, "", fmt.Sprintf("attempts=%d", t.Attempts))
	}
	s.queue.Run(ctx, s.concurrency, handler, exceeded)
}

func (s *Service) getOwned(ctx context.Context, jobID, ownerID string) (*store.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return job, nil
}
