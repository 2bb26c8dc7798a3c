package pipeline

import (
	"github.com/hazyhaar/brandscope/serpgate"
)

// Stage names the fixed pipeline stages, in run order.
type Stage string

const (
	StageCrawl         Stage = "crawl"
	StageKeywords      Stage = "keywords"
	StageSERP          Stage = "serp"
	StageCompetitors   Stage = "competitors"
	StageOpportunities Stage = "opportunities"
	StageFinalize      Stage = "finalize"
)

// band is the closed progress interval a stage owns. Progress only ever
// moves forward inside and across bands.
type band struct{ start, end int }

var bands = map[Stage]band{
	StageCrawl:         {0, 15},
	StageKeywords:      {15, 40},
	StageSERP:          {40, 60},
	StageCompetitors:   {60, 80},
	StageOpportunities: {80, 95},
	StageFinalize:      {95, 100},
}

// Input is the validated questionnaire a job runs on. The analysis
// package validates it before the job is created; the pipeline trusts it.
type Input struct {
	BrandName   string   `json:"brand_name"`
	Target      string   `json:"target"`
	Industry    string   `json:"industry"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"` // seed keywords, optional
	Locale      string   `json:"locale,omitempty"`
}

// OutcomeStatus classifies how a stage ended.
type OutcomeStatus string

const (
	OutcomeOK       OutcomeStatus = "ok"
	OutcomeDegraded OutcomeStatus = "degraded"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeFailed   OutcomeStatus = "failed"
)

// StageOutcome records how one stage ended, degraded or not. One entry
// per attempted stage, in run order.
type StageOutcome struct {
	Stage        Stage         `json:"stage"`
	Status       OutcomeStatus `json:"status"`
	Code         string        `json:"code,omitempty"`
	Remedy       string        `json:"remedy,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	StartedAt    int64         `json:"started_at"`
	FinishedAt   int64         `json:"finished_at"`
}

// Result is the tagged per-stage result envelope persisted on the job.
// A nil stage field means the stage did not run or produced nothing.
type Result struct {
	Crawl         *CrawlResult         `json:"crawl,omitempty"`
	Keywords      *KeywordsResult      `json:"keywords,omitempty"`
	SERP          *SERPResult          `json:"serp,omitempty"`
	Competitors   *CompetitorsResult   `json:"competitors,omitempty"`
	Opportunities *OpportunitiesResult `json:"opportunities,omitempty"`
	Summary       *Summary             `json:"summary,omitempty"`
	Outcomes      []StageOutcome       `json:"outcomes"`
}

// CrawlResult is what the crawl stage extracted from the target site.
type CrawlResult struct {
	Title             string   `json:"title,omitempty"`
	Description       string   `json:"description,omitempty"`
	Headings          []string `json:"headings,omitempty"`
	WordCount         int      `json:"word_count"`
	Markdown          string   `json:"markdown,omitempty"`
	LinkCount         int      `json:"link_count"`
	SimplifiedFetch   bool     `json:"simplified_fetch,omitempty"`
	ManualEntryNeeded bool     `json:"manual_entry_needed,omitempty"`
}

// Keyword is one scored keyword candidate.
type Keyword struct {
	Term   string  `json:"term"`
	Score  float64 `json:"score"`
	Source string  `json:"source"` // extracted | seed | default
}

// KeywordsResult is the keyword extraction output.
type KeywordsResult struct {
	Keywords     []Keyword `json:"keywords"`
	UsedDefaults bool      `json:"used_defaults,omitempty"`
}

// QueryResult is the SERP answer for one keyword.
type QueryResult struct {
	Keyword string         `json:"keyword"`
	Hits    []serpgate.Hit `json:"hits"`
	Stale   bool           `json:"stale,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// SERPResult is the search stage output.
type SERPResult struct {
	Queries []QueryResult `json:"queries"`
}

// Competitor is one domain competing for the brand's keywords.
type Competitor struct {
	Domain      string  `json:"domain"`
	Score       float64 `json:"score"`
	Appearances int     `json:"appearances"`
}

// CompetitorsResult is the competitor derivation output.
type CompetitorsResult struct {
	Competitors []Competitor `json:"competitors"`
}

// Opportunity is one content opportunity: a keyword the target does not
// yet rank for.
type Opportunity struct {
	Topic     string  `json:"topic"`
	Rationale string  `json:"rationale"`
	Score     float64 `json:"score"`
}

// OpportunitiesResult is the opportunity derivation output.
type OpportunitiesResult struct {
	Opportunities []Opportunity `json:"opportunities"`
}

// Summary is the finalize stage output.
type Summary struct {
	Status           string `json:"status"`
	KeywordCount     int    `json:"keyword_count"`
	CompetitorCount  int    `json:"competitor_count"`
	OpportunityCount int    `json:"opportunity_count"`
	FallbackUsed     bool   `json:"fallback_used"`
	GeneratedAt      int64  `json:"generated_at"`
}
