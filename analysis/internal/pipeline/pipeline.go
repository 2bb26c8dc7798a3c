// Package pipeline runs one analysis job through the fixed stage
// sequence crawl → keywords → serp → competitors → opportunities →
// finalize.
//
// The runner owns the orchestration contract: progress is monotonic
// within per-stage bands, cancellation is honored at stage boundaries,
// every state change is persisted before it is published, and stage
// failures are resolved against the fallback policy table instead of
// aborting the run. Only unknown failures are fatal.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/brandscope/analysis/internal/fetch"
	"github.com/hazyhaar/brandscope/analysis/internal/store"
	"github.com/hazyhaar/brandscope/hub"
	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/serpgate"
)

// Fetcher retrieves and extracts target content. *fetch.Fetcher is the
// production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, mode fetch.Mode) (*fetch.Document, error)
}

// Gateway resolves SERP queries. *serpgate.Gateway is the production
// implementation.
type Gateway interface {
	Fetch(ctx context.Context, q serpgate.Query) (*serpgate.Result, error)
	LastKnown(ctx context.Context, q serpgate.Query) *serpgate.Result
}

// Options tunes the runner.
type Options struct {
	// StageTimeout bounds one attempt of one stage. Default: 60s.
	StageTimeout time.Duration
	// RunBudget bounds the whole run, measured from first-stage start.
	// Default: 5m.
	RunBudget time.Duration
	// MaxKeywords caps the keyword list. Default: 12.
	MaxKeywords int
	// SERPQueries is how many top keywords are queried. Default: 5.
	SERPQueries int
	// DefaultKeywords maps a lowercased industry to its fallback keyword
	// set for the insufficient-signal path.
	DefaultKeywords map[string][]string
	// Retry is applied around each stage attempt.
	Retry resilience.RetryPolicy
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.StageTimeout <= 0 {
		o.StageTimeout = 60 * time.Second
	}
	if o.RunBudget <= 0 {
		o.RunBudget = 5 * time.Minute
	}
	if o.MaxKeywords <= 0 {
		o.MaxKeywords = 12
	}
	if o.SERPQueries <= 0 {
		o.SERPQueries = 5
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = resilience.RetryPolicy{MaxAttempts: 3}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner executes analysis jobs. One Runner serves all jobs; per-job
// state lives in a run.
type Runner struct {
	store    *store.Store
	hub      *hub.Hub
	fetcher  Fetcher
	gate     Gateway
	resolver *resilience.Resolver
	opts     Options
}

// New creates a Runner.
func New(st *store.Store, h *hub.Hub, f Fetcher, g Gateway, opts Options) *Runner {
	opts.defaults()
	return &Runner{
		store:    st,
		hub:      h,
		fetcher:  f,
		gate:     g,
		resolver: resilience.NewResolver(),
		opts:     opts,
	}
}

// run is the per-job execution state. Stages mutate it; the Runner
// persists and publishes from it.
type run struct {
	r      *Runner
	job    *store.Job
	input  Input
	res    Result
	doc    *fetch.Document
	logger *slog.Logger

	ctx          context.Context // current stage context, for mid-stage reports
	stage        Stage
	cur          *StageOutcome
	highWater    int // highest progress published so far
	fallbackUsed bool
	firstCode    string
	firstRemedy  string
}

// stageDef binds one stage to its fallback behaviors. degrade applies
// the stage's empty/default output; simplified, when non-nil, is the
// one-shot simplified retry.
type stageDef struct {
	name       Stage
	fn         func(ctx context.Context) error
	degrade    func(ctx context.Context) error
	simplified func(ctx context.Context) error
}

// Run executes jobID to a terminal state. The returned error is
// infrastructure-only (store unavailable, worker shutdown): the queue
// redelivers on it. Pipeline failures terminate the job record instead.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		r.opts.Logger.Warn("queued job no longer exists", "job_id", jobID)
		return nil
	}
	if job.Status.Terminal() {
		// Stale queue delivery.
		return nil
	}

	s := &run{
		r:      r,
		job:    job,
		logger: r.opts.Logger.With("job_id", jobID),
	}
	if err := json.Unmarshal([]byte(job.InputJSON), &s.input); err != nil {
		// The gate validated this at submit time; a corrupt snapshot is fatal.
		return s.finishFailed(ctx, err, resilience.Resolution{
			Code:   "internal_error",
			Remedy: "The stored job input is unreadable. Submit the analysis again.",
		})
	}

	if err := s.transition(ctx, store.Transition{
		Status: store.StatusRunning, Stage: string(StageCrawl), MarkStarted: true,
	}, hub.Event{
		Type: hub.EventProgress, Status: string(store.StatusRunning), Stage: string(StageCrawl),
	}); err != nil {
		return err
	}
	r.store.Audit(ctx, "job_started", jobID, job.OwnerID, "")
	s.logger.Info("analysis started", "target", s.input.Target)

	// The whole-run budget starts counting here, at first-stage start.
	runCtx, cancelRun := context.WithTimeout(ctx, r.opts.RunBudget)
	defer cancelRun()

	stages := []stageDef{
		{
			name: StageCrawl,
			fn:   func(c context.Context) error { return s.crawl(c, fetch.ModeFull) },
			degrade: func(context.Context) error {
				s.res.Crawl = &CrawlResult{ManualEntryNeeded: true}
				return nil
			},
			simplified: func(c context.Context) error { return s.crawl(c, fetch.ModeSimplified) },
		},
		{
			name:    StageKeywords,
			fn:      s.keywords,
			degrade: s.useDefaultKeywords,
		},
		{
			name: StageSERP,
			fn:   s.serp,
			degrade: func(context.Context) error {
				if s.res.SERP == nil {
					s.res.SERP = &SERPResult{}
				}
				return nil
			},
		},
		{
			name: StageCompetitors,
			fn:   s.competitors,
			degrade: func(context.Context) error {
				s.res.Competitors = &CompetitorsResult{}
				return nil
			},
		},
		{
			name: StageOpportunities,
			fn:   s.opportunities,
			degrade: func(context.Context) error {
				s.res.Opportunities = &OpportunitiesResult{}
				return nil
			},
		},
		{name: StageFinalize, fn: s.finalize},
	}

	stopped := false
	for _, st := range stages {
		// Cancellation is honored only here, at stage boundaries.
		cancelled, err := r.store.CancelRequested(ctx, jobID)
		if err != nil {
			return fmt.Errorf("cancel check: %w", err)
		}
		if cancelled {
			return s.finishCancelled(ctx)
		}

		if stopped && st.name != StageFinalize {
			s.res.Outcomes = append(s.res.Outcomes, StageOutcome{
				Stage: st.name, Status: OutcomeSkipped,
				StartedAt: time.Now().UnixMilli(), FinishedAt: time.Now().UnixMilli(),
			})
			continue
		}

		if err := s.beginStage(ctx, st.name); err != nil {
			return err
		}
		stageErr := s.execStage(runCtx, st)
		if stageErr != nil {
			if ctx.Err() != nil {
				// Worker shutdown: leave the job for redelivery.
				return stageErr
			}
			done, infraErr := s.resolveFailure(ctx, runCtx, st, stageErr, &stopped)
			if infraErr != nil {
				return infraErr
			}
			if done {
				return nil
			}
		}
		if err := s.endStage(ctx, st.name); err != nil {
			return err
		}
	}

	return s.finishTerminal(ctx, stopped)
}

// execStage runs one stage under the retry policy, with a per-attempt
// timeout. A per-stage timeout is classified transient so the retry
// policy gets a shot at it; the whole-run deadline is not.
func (s *run) execStage(runCtx context.Context, st stageDef) error {
	op := func(c context.Context) error {
		sc, cancel := context.WithTimeout(c, s.r.opts.StageTimeout)
		defer cancel()
		s.ctx = sc
		err := st.fn(sc)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && c.Err() == nil {
			return resilience.Wrap(resilience.KindExternalDependency,
				string(st.name)+" stage timed out", err)
		}
		return err
	}
	return s.r.opts.Retry.Do(runCtx, op)
}

// resolveFailure applies the fallback policy to a stage failure.
// done=true means the job reached a terminal state here.
func (s *run) resolveFailure(ctx, runCtx context.Context, st stageDef, stageErr error, stopped *bool) (done bool, infraErr error) {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		stageErr = resilience.Wrap(resilience.KindPipelineTimeout,
			"analysis time budget exceeded", stageErr)
	}

	res := s.r.resolver.Resolve(stageErr)
	s.logger.Warn("stage failed",
		"stage", st.name, "code", res.Code, "action", res.Action, "error", stageErr)

	if res.Action == resilience.ActionSimplifiedRetry {
		if st.simplified != nil {
			sc, cancel := context.WithTimeout(ctx, s.r.opts.StageTimeout)
			s.ctx = sc
			serr := st.simplified(sc)
			cancel()
			if serr == nil {
				s.degrade(res.Code, res.Remedy)
				return false, nil
			}
			s.logger.Warn("simplified fetch also failed", "stage", st.name, "error", serr)
		}
		// Fall back to manual entry.
		res.Action = resilience.ActionManualEntry
	}

	switch res.Action {
	case resilience.ActionFatal:
		return true, s.finishFailed(ctx, stageErr, res)
	case resilience.ActionStopRemaining:
		*stopped = true
	case resilience.ActionManualEntry, resilience.ActionUseDefaults, resilience.ActionCachedOrSkip:
		// Handled by the stage's degrade hook below.
	}

	if st.degrade != nil {
		if derr := st.degrade(ctx); derr != nil {
			return true, s.finishFailed(ctx, derr, resilience.Resolution{
				Code:   "internal_error",
				Remedy: "An unexpected error occurred while degrading the analysis. Re-run it.",
			})
		}
	}
	s.degrade(res.Code, res.Remedy)
	return false, nil
}

// degrade marks the current stage outcome (and the whole run) degraded.
// The first degradation's code and remedy become the job-level metadata.
func (s *run) degrade(code, remedy string) {
	s.fallbackUsed = true
	if s.firstCode == "" {
		s.firstCode = code
		s.firstRemedy = remedy
	}
	if s.cur != nil {
		s.cur.Status = OutcomeDegraded
		s.cur.FallbackUsed = true
		if s.cur.Code == "" {
			s.cur.Code = code
			s.cur.Remedy = remedy
		}
	}
}

// report persists and publishes a mid-stage progress value.
func (s *run) report(progress int) {
	if err := s.r.store.ApplyTransition(s.ctx, s.job.ID, store.Transition{Progress: progress}); err != nil {
		s.logger.Warn("mid-stage progress write failed", "error", err)
		return
	}
	s.publish(hub.Event{
		Type:     hub.EventProgress,
		Status:   string(store.StatusRunning),
		Progress: progress,
		Stage:    string(s.stage),
	})
}

// publish clamps the event's progress to the run's high-water mark
// before fan-out. The store keeps persisted progress monotonic; this
// keeps the event stream monotonic too when a retried stage re-reports
// from its band start.
func (s *run) publish(ev hub.Event) {
	if ev.Progress < s.highWater {
		ev.Progress = s.highWater
	} else {
		s.highWater = ev.Progress
	}
	s.r.hub.Publish(s.job.ID, ev)
}

func (s *run) beginStage(ctx context.Context, name Stage) error {
	s.stage = name
	s.cur = &StageOutcome{
		Stage: name, Status: OutcomeOK, StartedAt: time.Now().UnixMilli(),
	}
	b := bands[name]
	return s.transition(ctx, store.Transition{
		Progress: b.start, Stage: string(name),
	}, hub.Event{
		Type:     hub.EventProgress,
		Status:   string(store.StatusRunning),
		Progress: b.start,
		Stage:    string(name),
	})
}

func (s *run) endStage(ctx context.Context, name Stage) error {
	b := bands[name]
	s.cur.FinishedAt = time.Now().UnixMilli()
	s.res.Outcomes = append(s.res.Outcomes, *s.cur)
	ev := hub.Event{
		Type:         hub.EventStageComplete,
		Status:       string(store.StatusRunning),
		Progress:     b.end,
		Stage:        string(name),
		FallbackUsed: s.cur.FallbackUsed,
	}
	if s.cur.Status == OutcomeDegraded {
		ev.Message = s.cur.Code
		ev.Remedy = s.cur.Remedy
	}
	out := s.cur
	s.cur = nil
	return s.transition(ctx, store.Transition{
		Progress: b.end, Stage: string(name), FallbackUsed: out.FallbackUsed,
	}, ev)
}

// finishTerminal closes a run that made it through the stage loop.
func (s *run) finishTerminal(ctx context.Context, stopped bool) error {
	status := store.StatusCompleted
	if s.fallbackUsed {
		status = store.StatusDegradedComplete
	}
	if stopped && !s.producedAnything() {
		return s.finishFailed(ctx,
			resilience.New(resilience.KindPipelineTimeout, "no stage produced output"),
			resilience.Resolution{Code: s.firstCode, Remedy: s.firstRemedy})
	}

	if s.res.Summary != nil {
		s.res.Summary.Status = string(status)
		s.res.Summary.FallbackUsed = s.fallbackUsed
	}
	payload, err := json.Marshal(&s.res)
	if err != nil {
		return s.finishFailed(ctx, err, resilience.Resolution{
			Code:   "internal_error",
			Remedy: "The analysis result could not be stored. Re-run it.",
		})
	}

	t := store.Transition{
		Status: status, Progress: 100, Stage: string(StageFinalize),
		ResultJSON: string(payload), FallbackUsed: s.fallbackUsed, MarkFinished: true,
	}
	if s.fallbackUsed {
		t.ErrorCode = s.firstCode
		t.ErrorMessage = "analysis completed with degraded stages"
		t.ErrorRemedy = s.firstRemedy
	}
	if err := s.transition(ctx, t, hub.Event{
		Type:         hub.EventCompleted,
		Status:       string(status),
		Progress:     100,
		Stage:        string(StageFinalize),
		Message:      t.ErrorMessage,
		Remedy:       t.ErrorRemedy,
		FallbackUsed: s.fallbackUsed,
		Terminal:     true,
	}); err != nil {
		return err
	}
	s.r.store.Audit(ctx, "job_finished", s.job.ID, s.job.OwnerID, string(status))
	s.logger.Info("analysis finished", "status", status, "fallback_used", s.fallbackUsed)
	return nil
}

func (s *run) producedAnything() bool {
	if s.res.Keywords != nil && len(s.res.Keywords.Keywords) > 0 {
		return true
	}
	if s.res.SERP != nil && len(s.res.SERP.Queries) > 0 {
		return true
	}
	return s.res.Crawl != nil && !s.res.Crawl.ManualEntryNeeded
}

// finishFailed terminates the job FAILED. Internal detail stays in the
// log; the job record carries the resolution's code and remedy only.
func (s *run) finishFailed(ctx context.Context, cause error, res resilience.Resolution) error {
	s.logger.Error("analysis failed", "code", res.Code, "error", cause)
	if s.cur != nil {
		s.cur.Status = OutcomeFailed
		s.cur.Code = res.Code
		s.cur.FinishedAt = time.Now().UnixMilli()
		s.res.Outcomes = append(s.res.Outcomes, *s.cur)
		s.cur = nil
	}

	msg := "the analysis could not be completed"
	var re *resilience.Error
	if errors.As(cause, &re) {
		msg = re.Message
	}
	payload, _ := json.Marshal(&s.res)

	if err := s.transition(ctx, store.Transition{
		Status: store.StatusFailed, Progress: -1,
		ResultJSON: string(payload),
		ErrorCode:  res.Code, ErrorMessage: msg, ErrorRemedy: res.Remedy,
		MarkFinished: true,
	}, hub.Event{
		Type:     hub.EventError,
		Status:   string(store.StatusFailed),
		Stage:    string(s.stage),
		Message:  msg,
		Remedy:   res.Remedy,
		Terminal: true,
	}); err != nil {
		return err
	}
	s.r.store.Audit(ctx, "job_failed", s.job.ID, s.job.OwnerID, res.Code)
	return nil
}

// finishCancelled terminates the job CANCELLED. Staged findings produced
// so far are kept for review.
func (s *run) finishCancelled(ctx context.Context) error {
	payload, _ := json.Marshal(&s.res)
	if err := s.transition(ctx, store.Transition{
		Status: store.StatusCancelled, Progress: -1,
		ResultJSON: string(payload), MarkFinished: true,
	}, hub.Event{
		Type:     hub.EventCompleted,
		Status:   string(store.StatusCancelled),
		Stage:    string(s.stage),
		Message:  "analysis cancelled on request",
		Terminal: true,
	}); err != nil {
		return err
	}
	s.r.store.Audit(ctx, "job_cancelled", s.job.ID, s.job.OwnerID, "")
	s.logger.Info("analysis cancelled", "stage", s.stage)
	return nil
}

// transition persists a state change, then publishes it. Persist-first
// keeps status reads consistent with what subscribers saw.
func (s *run) transition(ctx context.Context, t store.Transition, ev hub.Event) error {
	if err := s.r.store.ApplyTransition(ctx, s.job.ID, t); err != nil {
		return fmt.Errorf("transition %s: %w", s.job.ID, err)
	}
	s.publish(ev)
	return nil
}
