package pipeline

import (
	"sort"
	"strings"
	"unicode"

	"github.com/hazyhaar/brandscope/analysis/internal/fetch"
)

// stopwords are excluded from keyword candidates. Small on purpose: the
// scoring favors multi-word heading phrases, so a full stopword corpus
// buys little.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"our": true, "that": true, "the": true, "their": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true,
	"will": true, "with": true, "you": true, "your": true, "more": true,
	"all": true, "can": true, "not": true, "about": true, "us": true,
}

// extractKeywords derives scored keyword candidates from a crawled page.
// Heading and title phrases score highest; body terms score by relative
// frequency. Scores are normalized to (0,1].
func extractKeywords(doc *fetch.Document, limit int) []Keyword {
	scores := map[string]float64{}

	// Heading and title phrases carry the strongest signal.
	phrases := make([]string, 0, len(doc.Headings)+1)
	if doc.Title != "" {
		phrases = append(phrases, doc.Title)
	}
	phrases = append(phrases, doc.Headings...)
	for _, p := range phrases {
		term := normalizeTerm(p)
		if term == "" || len(strings.Fields(term)) > 6 {
			continue
		}
		scores[term] += 3
	}

	// Body term frequency: unigrams and bigrams over visible text.
	tokens := tokenize(doc.Text)
	for i, tok := range tokens {
		if !stopwords[tok] && len(tok) > 2 {
			scores[tok]++
		}
		if i+1 < len(tokens) {
			a, b := tokens[i], tokens[i+1]
			if !stopwords[a] && !stopwords[b] && len(a) > 2 && len(b) > 2 {
				scores[a+" "+b] += 2
			}
		}
	}

	type cand struct {
		term  string
		score float64
	}
	cands := make([]cand, 0, len(scores))
	var max float64
	for term, sc := range scores {
		if sc < 2 {
			continue
		}
		cands = append(cands, cand{term, sc})
		if sc > max {
			max = sc
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].term < cands[j].term
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}

	out := make([]Keyword, 0, len(cands))
	for _, c := range cands {
		out = append(out, Keyword{Term: c.term, Score: c.score / max, Source: "extracted"})
	}
	return out
}

// normalizeTerm lowercases, strips punctuation, and collapses whitespace.
func normalizeTerm(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}
