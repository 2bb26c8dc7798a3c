package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/brandscope/analysis/internal/fetch"
	"github.com/hazyhaar/brandscope/analysis/internal/store"
	"github.com/hazyhaar/brandscope/dbopen"
	"github.com/hazyhaar/brandscope/hub"
	"github.com/hazyhaar/brandscope/idgen"
	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/serpgate"
	_ "modernc.org/sqlite"
)

type fakeFetcher struct {
	mu      sync.Mutex
	doc     *fetch.Document
	fullErr error
	simpErr error
	calls   []fetch.Mode
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, mode fetch.Mode) (*fetch.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mode)
	f.mu.Unlock()
	if mode == fetch.ModeFull && f.fullErr != nil {
		return nil, f.fullErr
	}
	if mode == fetch.ModeSimplified && f.simpErr != nil {
		return nil, f.simpErr
	}
	return f.doc, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	hits    []serpgate.Hit
	err     error
	stale   *serpgate.Result
	delay   time.Duration
	onFetch func()
	calls   int
}

func (g *fakeGateway) Fetch(ctx context.Context, q serpgate.Query) (*serpgate.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.onFetch != nil {
		g.onFetch()
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return &serpgate.Result{Query: q, Hits: g.hits}, nil
}

func (g *fakeGateway) LastKnown(ctx context.Context, q serpgate.Query) *serpgate.Result {
	if g.stale == nil {
		return nil
	}
	cp := *g.stale
	cp.Stale = true
	return &cp
}

var rivalHits = []serpgate.Hit{
	{Rank: 1, Title: "Rival trail shoes", URL: "https://rival.example/trail", Domain: "rival.example"},
	{Rank: 2, Title: "Shoe Giant running", URL: "https://shoegiant.example/run", Domain: "shoegiant.example"},
	{Rank: 3, Title: "Rival again", URL: "https://rival.example/road", Domain: "rival.example"},
}

func sampleDoc() *fetch.Document {
	return &fetch.Document{
		Title:    "Acme Running Shoes",
		Headings: []string{"Trail Running Shoes", "Road Running Shoes"},
		Text: strings.Repeat(
			"trail running shoes for every runner and road running shoes built to last ", 6),
		Links: []string{"https://acme-running.example/shop"},
	}
}

func sampleInput() Input {
	return Input{
		BrandName: "Acme",
		Target:    "https://www.acme-running.example",
		Industry:  "footwear",
		Locale:    "en-us",
	}
}

type env struct {
	t      *testing.T
	st     *store.Store
	h      *hub.Hub
	runner *Runner
}

func newEnv(t *testing.T, f Fetcher, g Gateway, opts Options) *env {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	h := hub.New(hub.Options{})
	return &env{t: t, st: st, h: h, runner: New(st, h, f, g, opts)}
}

func (e *env) createJob(in Input) *store.Job {
	e.t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		e.t.Fatalf("marshal input: %v", err)
	}
	j := &store.Job{ID: idgen.Job(), OwnerID: "owner_1", InputJSON: string(payload)}
	if err := e.st.CreateJob(context.Background(), j); err != nil {
		e.t.Fatalf("create job: %v", err)
	}
	return j
}

func (e *env) runAndGet(jobID string) *store.Job {
	e.t.Helper()
	if err := e.runner.Run(context.Background(), jobID); err != nil {
		e.t.Fatalf("run: %v", err)
	}
	j, err := e.st.GetJob(context.Background(), jobID)
	if err != nil {
		e.t.Fatalf("get job: %v", err)
	}
	return j
}

func decodeResult(t *testing.T, j *store.Job) *Result {
	t.Helper()
	var res Result
	if err := json.Unmarshal([]byte(j.ResultJSON), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return &res
}

func TestRun_HappyPath(t *testing.T) {
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, &fakeGateway{hits: rivalHits}, Options{SERPQueries: 3})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusCompleted {
		t.Fatalf("status = %s (%s: %s)", j.Status, j.ErrorCode, j.ErrorMessage)
	}
	if j.Progress != 100 || j.CurrentStage != string(StageFinalize) {
		t.Fatalf("progress=%d stage=%s", j.Progress, j.CurrentStage)
	}
	if j.FallbackUsed || j.ErrorCode != "" {
		t.Fatalf("clean run flagged degraded: %+v", j)
	}
	if j.StartedAt == nil || j.FinishedAt == nil {
		t.Fatal("timestamps not set")
	}

	res := decodeResult(t, j)
	if res.Summary == nil || res.Summary.Status != string(store.StatusCompleted) {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if len(res.Outcomes) != 6 {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	for _, o := range res.Outcomes {
		if o.Status != OutcomeOK {
			t.Fatalf("stage %s ended %s", o.Stage, o.Status)
		}
	}
	// The target does not rank in any query, so every queried keyword is
	// an opportunity.
	if len(res.Opportunities.Opportunities) != 3 {
		t.Fatalf("opportunities = %+v", res.Opportunities)
	}

	ctx := context.Background()
	for _, kind := range []store.FindingKind{store.FindingKeyword, store.FindingCompetitor, store.FindingOpportunity} {
		n, err := e.st.CountFindings(ctx, j.ID, kind)
		if err != nil || n == 0 {
			t.Fatalf("%s findings: n=%d err=%v", kind, n, err)
		}
	}
}

func TestRun_UnreachableTargetDegradesToManualEntry(t *testing.T) {
	// WHAT: a target that cannot be reached does not fail the job; the
	// crawl degrades to manual entry and later stages run on the seeds.
	f := &fakeFetcher{
		fullErr: resilience.New(resilience.KindUnreachableTarget, "no route"),
		simpErr: resilience.New(resilience.KindUnreachableTarget, "no route"),
	}
	e := newEnv(t, f, &fakeGateway{hits: rivalHits}, Options{SERPQueries: 2})

	in := sampleInput()
	in.Keywords = []string{"trail shoes", "road shoes", "running socks"}
	j := e.runAndGet(e.createJob(in).ID)

	if j.Status != store.StatusDegradedComplete {
		t.Fatalf("status = %s (%s)", j.Status, j.ErrorCode)
	}
	if !j.FallbackUsed || j.ErrorCode != "unreachable_target" || j.ErrorRemedy == "" {
		t.Fatalf("degradation metadata: %+v", j)
	}

	res := decodeResult(t, j)
	if res.Crawl == nil || !res.Crawl.ManualEntryNeeded {
		t.Fatalf("crawl result = %+v", res.Crawl)
	}
	if res.Outcomes[0].Status != OutcomeDegraded || res.Outcomes[0].Code != "unreachable_target" {
		t.Fatalf("crawl outcome = %+v", res.Outcomes[0])
	}
	for _, kw := range res.Keywords.Keywords {
		if kw.Source != "seed" {
			t.Fatalf("keyword %q has source %q, want seed", kw.Term, kw.Source)
		}
	}
	if len(res.Competitors.Competitors) == 0 {
		t.Fatal("seeds should still drive competitor derivation")
	}
}

func TestRun_FetchBlockedTriesSimplifiedOnce(t *testing.T) {
	f := &fakeFetcher{
		doc:     sampleDoc(),
		fullErr: resilience.New(resilience.KindFetchBlocked, "403 from bot filter"),
	}
	e := newEnv(t, f, &fakeGateway{hits: rivalHits}, Options{})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusDegradedComplete {
		t.Fatalf("status = %s (%s)", j.Status, j.ErrorCode)
	}
	if j.ErrorCode != "fetch_blocked" {
		t.Fatalf("error code = %s", j.ErrorCode)
	}
	res := decodeResult(t, j)
	if res.Crawl == nil || !res.Crawl.SimplifiedFetch || res.Crawl.ManualEntryNeeded {
		t.Fatalf("crawl result = %+v", res.Crawl)
	}
	if res.Crawl.Title != "Acme Running Shoes" {
		t.Fatal("simplified fetch content not used")
	}
	if len(f.calls) != 2 || f.calls[0] != fetch.ModeFull || f.calls[1] != fetch.ModeSimplified {
		t.Fatalf("fetch calls = %v", f.calls)
	}
}

func TestRun_InsufficientSignalUsesDefaults(t *testing.T) {
	thin := &fetch.Document{Title: "x", Text: "hello"}
	e := newEnv(t, &fakeFetcher{doc: thin}, &fakeGateway{hits: rivalHits}, Options{
		DefaultKeywords: map[string][]string{
			"footwear": {"running shoes", "shoe store", "sneaker deals"},
		},
	})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusDegradedComplete || j.ErrorCode != "insufficient_signal" {
		t.Fatalf("status=%s code=%s", j.Status, j.ErrorCode)
	}
	res := decodeResult(t, j)
	if res.Keywords == nil || !res.Keywords.UsedDefaults {
		t.Fatalf("keywords = %+v", res.Keywords)
	}
	for _, kw := range res.Keywords.Keywords {
		if kw.Source != "default" {
			t.Fatalf("keyword source = %q", kw.Source)
		}
	}
	n, _ := e.st.CountFindings(context.Background(), j.ID, store.FindingKeyword)
	if n != 3 {
		t.Fatalf("default keywords not staged as findings: n=%d", n)
	}
}

func TestRun_DependencyFailureServesStale(t *testing.T) {
	// WHAT: when the search dependency fails mid-run, queries fall back to
	// the last known cached answer and the job completes degraded.
	g := &fakeGateway{
		err:   resilience.New(resilience.KindExternalDependency, "quota exhausted"),
		stale: &serpgate.Result{Hits: rivalHits, FromCache: true},
	}
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, g, Options{SERPQueries: 2})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusDegradedComplete || !j.FallbackUsed {
		t.Fatalf("status=%s fallback=%v (%s)", j.Status, j.FallbackUsed, j.ErrorCode)
	}
	if j.ErrorCode != "external_dependency" {
		t.Fatalf("error code = %s", j.ErrorCode)
	}
	res := decodeResult(t, j)
	if len(res.SERP.Queries) != 2 {
		t.Fatalf("serp queries = %+v", res.SERP.Queries)
	}
	for _, q := range res.SERP.Queries {
		if !q.Stale || len(q.Hits) == 0 {
			t.Fatalf("query not served from stale cache: %+v", q)
		}
	}
	if len(res.Competitors.Competitors) == 0 {
		t.Fatal("stale hits should still drive competitors")
	}
}

func TestRun_DependencyFailureWithoutCacheSkips(t *testing.T) {
	g := &fakeGateway{err: resilience.New(resilience.KindRateExceeded, "bucket empty")}
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, g, Options{SERPQueries: 2})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusDegradedComplete {
		t.Fatalf("status = %s (%s)", j.Status, j.ErrorCode)
	}
	res := decodeResult(t, j)
	if res.SERP == nil || len(res.SERP.Queries) != 0 {
		t.Fatalf("serp should be empty: %+v", res.SERP)
	}
	if len(res.Competitors.Competitors) != 0 || len(res.Opportunities.Opportunities) != 0 {
		t.Fatal("downstream stages should be empty without search data")
	}
	// Keyword findings from the earlier stage survive the degradation.
	n, _ := e.st.CountFindings(context.Background(), j.ID, store.FindingKeyword)
	if n == 0 {
		t.Fatal("keyword findings lost")
	}
}

func TestRun_CancelBetweenStagesKeepsFindings(t *testing.T) {
	// WHAT: cancellation lands at the next stage boundary; findings staged
	// by completed stages are kept for review.
	var e *env
	var jobID string
	g := &fakeGateway{hits: rivalHits}
	g.onFetch = func() {
		if err := e.st.RequestCancel(context.Background(), jobID); err != nil {
			t.Errorf("request cancel: %v", err)
		}
	}
	e = newEnv(t, &fakeFetcher{doc: sampleDoc()}, g, Options{SERPQueries: 1})
	jobID = e.createJob(sampleInput()).ID
	j := e.runAndGet(jobID)

	if j.Status != store.StatusCancelled {
		t.Fatalf("status = %s", j.Status)
	}
	if j.FinishedAt == nil {
		t.Fatal("cancelled job must be finished")
	}
	n, _ := e.st.CountFindings(context.Background(), j.ID, store.FindingKeyword)
	if n == 0 {
		t.Fatal("findings staged before cancellation were lost")
	}
	res := decodeResult(t, j)
	for _, o := range res.Outcomes {
		if o.Stage == StageCompetitors {
			t.Fatal("stages after the cancel boundary must not run")
		}
	}
}

func TestRun_BudgetExceededKeepsPartials(t *testing.T) {
	g := &fakeGateway{hits: rivalHits, delay: 200 * time.Millisecond}
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, g, Options{
		SERPQueries: 2,
		RunBudget:   80 * time.Millisecond,
	})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusDegradedComplete {
		t.Fatalf("status = %s (%s: %s)", j.Status, j.ErrorCode, j.ErrorMessage)
	}
	if j.ErrorCode != "pipeline_timeout" {
		t.Fatalf("error code = %s", j.ErrorCode)
	}
	res := decodeResult(t, j)
	if res.Keywords == nil || len(res.Keywords.Keywords) == 0 {
		t.Fatal("completed stage output lost on budget exhaustion")
	}
	skipped := 0
	for _, o := range res.Outcomes {
		if o.Status == OutcomeSkipped {
			skipped++
		}
	}
	if skipped == 0 {
		t.Fatalf("remaining stages should be skipped: %+v", res.Outcomes)
	}
}

func TestRun_UnknownErrorIsFatal(t *testing.T) {
	f := &fakeFetcher{fullErr: errors.New("nil pointer somewhere")}
	e := newEnv(t, f, &fakeGateway{hits: rivalHits}, Options{})
	j := e.runAndGet(e.createJob(sampleInput()).ID)

	if j.Status != store.StatusFailed {
		t.Fatalf("status = %s", j.Status)
	}
	if j.ErrorCode != "internal_error" || j.ErrorRemedy == "" {
		t.Fatalf("error metadata = %q %q", j.ErrorCode, j.ErrorRemedy)
	}
	// The raw cause must not leak into the user-facing message.
	if strings.Contains(j.ErrorMessage, "nil pointer") {
		t.Fatalf("internal detail leaked: %q", j.ErrorMessage)
	}
}

func TestRun_TerminalJobIsNoop(t *testing.T) {
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, &fakeGateway{hits: rivalHits}, Options{})
	j := e.createJob(sampleInput())
	ctx := context.Background()
	e.st.ApplyTransition(ctx, j.ID, store.Transition{Status: store.StatusCancelled, MarkFinished: true})

	if err := e.runner.Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := e.st.GetJob(ctx, j.ID)
	if got.Status != store.StatusCancelled {
		t.Fatalf("terminal job mutated: %s", got.Status)
	}
}

type recordConn struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *recordConn) Send(ev hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordConn) Close() error { return nil }

func (c *recordConn) snapshot() []hub.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hub.Event(nil), c.events...)
}

func TestRun_RetriedStageKeepsEventStreamMonotonic(t *testing.T) {
	// WHAT: every query of the first search attempt fails, the retry
	// succeeds; the second attempt re-reports from the band start, so
	// published progress must be clamped to the run's high-water mark.
	// WHY: persisted progress is monotonic via the store, but subscribers
	// watch the event stream, and a dip there looks like a broken job.
	const queries = 2
	g := &fakeGateway{hits: rivalHits}
	g.err = resilience.New(resilience.KindExternalDependency, "quota exhausted")
	g.onFetch = func() {
		if g.calls > queries {
			g.err = nil
		}
	}
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, g, Options{
		SERPQueries: queries,
		Retry:       resilience.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	j := e.createJob(sampleInput())

	conn := &recordConn{}
	e.h.Subscribe(j.ID, "owner_1", conn)

	if err := e.runner.Run(context.Background(), j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.calls != 2*queries {
		t.Fatalf("gateway calls = %d, want both attempts to run", g.calls)
	}

	deadline := time.Now().Add(2 * time.Second)
	var events []hub.Event
	for time.Now().Before(deadline) {
		events = conn.snapshot()
		if n := len(events); n > 0 && events[n-1].Terminal {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) == 0 || !events[len(events)-1].Terminal {
		t.Fatalf("no terminal event delivered: %+v", events)
	}

	last := -1
	for _, ev := range events {
		switch ev.Type {
		case hub.EventProgress, hub.EventStageComplete, hub.EventCompleted:
			if ev.Progress < last {
				t.Fatalf("published progress regressed: %d after %d", ev.Progress, last)
			}
			last = ev.Progress
		}
	}

	job, err := e.st.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.StatusDegradedComplete || job.ErrorCode != "external_dependency" {
		t.Fatalf("status=%s code=%s", job.Status, job.ErrorCode)
	}
}

func TestRun_PublishesMonotonicProgressAndTerminalEvent(t *testing.T) {
	e := newEnv(t, &fakeFetcher{doc: sampleDoc()}, &fakeGateway{hits: rivalHits}, Options{SERPQueries: 2})
	j := e.createJob(sampleInput())

	conn := &recordConn{}
	e.h.Subscribe(j.ID, "owner_1", conn)

	if err := e.runner.Run(context.Background(), j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var events []hub.Event
	for time.Now().Before(deadline) {
		events = conn.snapshot()
		if n := len(events); n > 0 && events[n-1].Terminal {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) == 0 || !events[len(events)-1].Terminal {
		t.Fatalf("no terminal event delivered: %+v", events)
	}
	if events[0].Type != hub.EventConnected {
		t.Fatalf("first event = %s, want connection-ack", events[0].Type)
	}

	last := -1
	for _, ev := range events {
		switch ev.Type {
		case hub.EventProgress, hub.EventStageComplete, hub.EventCompleted:
			if ev.Progress < last {
				t.Fatalf("progress regressed: %d after %d", ev.Progress, last)
			}
			last = ev.Progress
		}
	}
	final := events[len(events)-1]
	if final.Type != hub.EventCompleted || final.Progress != 100 ||
		final.Status != string(store.StatusCompleted) {
		t.Fatalf("final event = %+v", final)
	}
}
