package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/brandscope/analysis/internal/fetch"
	"github.com/hazyhaar/brandscope/analysis/internal/store"
	"github.com/hazyhaar/brandscope/idgen"
	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/serpgate"
)

// crawl fetches the target site and extracts its content.
func (s *run) crawl(ctx context.Context, mode fetch.Mode) error {
	doc, err := s.r.fetcher.Fetch(ctx, s.input.Target, mode)
	if err != nil {
		return err
	}
	s.doc = doc
	s.res.Crawl = &CrawlResult{
		Title:           doc.Title,
		Description:     doc.Description,
		Headings:        doc.Headings,
		WordCount:       doc.WordCount(),
		Markdown:        doc.Markdown,
		LinkCount:       len(doc.Links),
		SimplifiedFetch: mode == fetch.ModeSimplified,
	}
	return nil
}

// keywords derives scored keyword candidates from the crawled content
// and the questionnaire seeds. Too little signal from both is an
// insufficient-signal failure, resolved with industry defaults.
func (s *run) keywords(ctx context.Context) error {
	var out []Keyword
	seen := map[string]bool{}

	for _, seed := range s.input.Keywords {
		term := normalizeTerm(seed)
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, Keyword{Term: term, Score: 1.0, Source: "seed"})
	}

	if s.doc != nil {
		for _, kw := range extractKeywords(s.doc, s.r.opts.MaxKeywords) {
			if seen[kw.Term] {
				continue
			}
			seen[kw.Term] = true
			out = append(out, kw)
		}
	}

	if len(out) < minKeywords {
		return resilience.New(resilience.KindInsufficientSignal,
			fmt.Sprintf("only %d keyword candidates from content and seeds", len(out)))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > s.r.opts.MaxKeywords {
		out = out[:s.r.opts.MaxKeywords]
	}
	s.res.Keywords = &KeywordsResult{Keywords: out}
	return s.stageFindings(ctx, store.FindingKeyword, keywordFindings(s.job.ID, out))
}

// minKeywords is the floor below which keyword extraction counts as
// insufficient signal.
const minKeywords = 3

// useDefaultKeywords is the insufficient-signal fallback: substitute the
// industry default set and continue.
func (s *run) useDefaultKeywords(ctx context.Context) error {
	terms := s.r.opts.DefaultKeywords[strings.ToLower(s.input.Industry)]
	if len(terms) == 0 {
		terms = genericDefaultKeywords
	}
	out := make([]Keyword, 0, len(terms))
	for _, t := range terms {
		out = append(out, Keyword{Term: t, Score: 0.5, Source: "default"})
	}
	s.res.Keywords = &KeywordsResult{Keywords: out, UsedDefaults: true}
	return s.stageFindings(ctx, store.FindingKeyword, keywordFindings(s.job.ID, out))
}

var genericDefaultKeywords = []string{
	"brand reputation", "customer reviews", "pricing comparison",
	"product alternatives", "buying guide",
}

// serp resolves the top keywords against the search gateway. Per-query
// dependency failures degrade in place (stale cache, then skip); the
// stage only fails outright when every query failed with nothing cached.
func (s *run) serp(ctx context.Context) error {
	kws := s.res.Keywords.Keywords
	n := s.r.opts.SERPQueries
	if len(kws) < n {
		n = len(kws)
	}

	out := &SERPResult{}
	var firstErr error
	anyData := false
	b := bands[StageSERP]

	for i := 0; i < n; i++ {
		q := serpgate.Query{
			Keyword:  kws[i].Term,
			Locale:   s.input.Locale,
			Category: s.input.Industry,
		}
		res, err := s.r.gate.Fetch(ctx, q)
		switch {
		case err == nil:
			out.Queries = append(out.Queries, QueryResult{Keyword: q.Keyword, Hits: res.Hits})
			anyData = true
		case resilience.Canceled(err):
			return err
		case resilience.KindOf(err) == resilience.KindUnknown:
			// Unclassified failures are not skippable quota noise; let the
			// runner's resolver decide what to do with the stage.
			return err
		default:
			if firstErr == nil {
				firstErr = err
			}
			if stale := s.r.gate.LastKnown(ctx, q); stale != nil {
				out.Queries = append(out.Queries, QueryResult{
					Keyword: q.Keyword, Hits: stale.Hits, Stale: true,
				})
				anyData = true
			} else {
				out.Queries = append(out.Queries, QueryResult{Keyword: q.Keyword, Skipped: true})
			}
			res := s.r.resolver.Resolve(err)
			s.degrade(res.Code, res.Remedy)
		}
		// Interpolate progress across queries inside the stage band.
		s.report(b.start + (b.end-b.start)*(i+1)/n)
	}

	if !anyData && firstErr != nil {
		return firstErr
	}
	s.res.SERP = out
	return nil
}

// competitors aggregates the domains competing for the brand's keywords.
// The target's own domain is excluded.
func (s *run) competitors(ctx context.Context) error {
	own := ownDomain(s.input.Target)
	type agg struct {
		score       float64
		appearances int
	}
	byDomain := map[string]*agg{}

	if s.res.SERP != nil {
		for _, q := range s.res.SERP.Queries {
			for _, hit := range q.Hits {
				d := strings.ToLower(hit.Domain)
				if d == "" || d == own {
					continue
				}
				a := byDomain[d]
				if a == nil {
					a = &agg{}
					byDomain[d] = a
				}
				a.appearances++
				if hit.Rank > 0 {
					a.score += 1.0 / float64(hit.Rank)
				}
			}
		}
	}

	out := &CompetitorsResult{}
	for d, a := range byDomain {
		out.Competitors = append(out.Competitors, Competitor{
			Domain: d, Score: a.score, Appearances: a.appearances,
		})
	}
	sort.Slice(out.Competitors, func(i, j int) bool {
		if out.Competitors[i].Score != out.Competitors[j].Score {
			return out.Competitors[i].Score > out.Competitors[j].Score
		}
		return out.Competitors[i].Domain < out.Competitors[j].Domain
	})
	if len(out.Competitors) > maxCompetitors {
		out.Competitors = out.Competitors[:maxCompetitors]
	}
	s.res.Competitors = out

	findings := make([]*store.Finding, 0, len(out.Competitors))
	for _, c := range out.Competitors {
		detail, _ := json.Marshal(map[string]any{"appearances": c.Appearances})
		findings = append(findings, &store.Finding{
			ID: idgen.Finding(), JobID: s.job.ID, Kind: store.FindingCompetitor,
			Value: c.Domain, Score: c.Score, DetailJSON: string(detail),
		})
	}
	return s.stageFindings(ctx, store.FindingCompetitor, findings)
}

const maxCompetitors = 10

// opportunities surfaces keywords the target does not rank for.
func (s *run) opportunities(ctx context.Context) error {
	own := ownDomain(s.input.Target)
	scoreByTerm := map[string]float64{}
	if s.res.Keywords != nil {
		for _, kw := range s.res.Keywords.Keywords {
			scoreByTerm[kw.Term] = kw.Score
		}
	}

	out := &OpportunitiesResult{}
	if s.res.SERP != nil {
		for _, q := range s.res.SERP.Queries {
			if q.Skipped {
				continue
			}
			ranks := false
			for _, hit := range q.Hits {
				if strings.ToLower(hit.Domain) == own {
					ranks = true
					break
				}
			}
			if ranks {
				continue
			}
			out.Opportunities = append(out.Opportunities, Opportunity{
				Topic:     q.Keyword,
				Rationale: fmt.Sprintf("%s does not appear in the top results for %q", own, q.Keyword),
				Score:     scoreByTerm[q.Keyword],
			})
		}
	}
	sort.SliceStable(out.Opportunities, func(i, j int) bool {
		return out.Opportunities[i].Score > out.Opportunities[j].Score
	})
	s.res.Opportunities = out

	findings := make([]*store.Finding, 0, len(out.Opportunities))
	for _, o := range out.Opportunities {
		detail, _ := json.Marshal(map[string]any{"rationale": o.Rationale})
		findings = append(findings, &store.Finding{
			ID: idgen.Finding(), JobID: s.job.ID, Kind: store.FindingOpportunity,
			Value: o.Topic, Score: o.Score, DetailJSON: string(detail),
		})
	}
	return s.stageFindings(ctx, store.FindingOpportunity, findings)
}

// finalize builds the run summary. The terminal status is filled in by
// the runner once it knows how the run ended.
func (s *run) finalize(ctx context.Context) error {
	sum := &Summary{
		FallbackUsed: s.fallbackUsed,
		GeneratedAt:  time.Now().UnixMilli(),
	}
	if s.res.Keywords != nil {
		sum.KeywordCount = len(s.res.Keywords.Keywords)
	}
	if s.res.Competitors != nil {
		sum.CompetitorCount = len(s.res.Competitors.Competitors)
	}
	if s.res.Opportunities != nil {
		sum.OpportunityCount = len(s.res.Opportunities.Opportunities)
	}
	s.res.Summary = sum
	return nil
}

// stageFindings persists a batch of findings, classifying a store failure
// as unknown (fatal) so it cannot be silently degraded away.
func (s *run) stageFindings(ctx context.Context, kind store.FindingKind, findings []*store.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	if err := s.r.store.InsertFindings(ctx, findings); err != nil {
		return fmt.Errorf("persist %s findings: %w", kind, err)
	}
	return nil
}

func keywordFindings(jobID string, kws []Keyword) []*store.Finding {
	findings := make([]*store.Finding, 0, len(kws))
	for _, kw := range kws {
		detail, _ := json.Marshal(map[string]any{"source": kw.Source})
		findings = append(findings, &store.Finding{
			ID: idgen.Finding(), JobID: jobID, Kind: store.FindingKeyword,
			Value: kw.Term, Score: kw.Score, DetailJSON: string(detail),
		})
	}
	return findings
}

// ownDomain extracts the target's hostname, www-stripped and lowercased.
func ownDomain(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
