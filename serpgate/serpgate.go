// Package serpgate is the rate-limited, cached gateway to the volatile
// SERP data source. All search traffic from the pipeline goes through
// Gateway.Fetch: token bucket first, then read-through cache, then the
// remote client behind a circuit breaker.
package serpgate

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// Query is one search request. Fields are normalized before use so that
// logically identical queries share a cache key.
type Query struct {
	Keyword  string `json:"keyword"`
	Locale   string `json:"locale,omitempty"`
	Category string `json:"category,omitempty"` // drives the cache TTL class
}

// Normalize returns a canonical copy: trimmed, lower-cased, whitespace
// collapsed. Deterministic — the cache key is derived from it.
func (q Query) Normalize() Query {
	return Query{
		Keyword:  strings.Join(strings.Fields(strings.ToLower(q.Keyword)), " "),
		Locale:   strings.ToLower(strings.TrimSpace(q.Locale)),
		Category: strings.ToLower(strings.TrimSpace(q.Category)),
	}
}

// Key returns the deterministic cache key for the normalized query.
func (q Query) Key() string {
	n := q.Normalize()
	data, _ := json.Marshal(n)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Hit is one organic result row.
type Hit struct {
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Domain  string `json:"domain"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is the outcome of one SERP fetch.
type Result struct {
	Query     Query `json:"query"`
	Hits      []Hit `json:"hits"`
	FromCache bool  `json:"from_cache"`
	// Stale is true when the entry was served past its TTL via LastKnown.
	Stale     bool  `json:"stale,omitempty"`
	FetchedAt int64 `json:"fetched_at"` // unix millis
}

// Client is the remote SERP dependency. Implementations must return
// *resilience.Error values so the gateway and pipeline can classify
// failures.
type Client interface {
	Search(ctx context.Context, q Query) (*Result, error)
}
