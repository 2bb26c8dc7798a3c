package serpgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/safeurl"
)

// HTTPClientConfig configures the HTTP SERP client.
type HTTPClientConfig struct {
	// BaseURL is the search endpoint, e.g. "https://serpapi.example.com/search".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Timeout per request. Default: 15s.
	Timeout time.Duration
	// MaxBytes caps the response body. Default: safeurl.MaxResponseBody.
	MaxBytes int64
}

func (c *HTTPClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = safeurl.MaxResponseBody
	}
}

// HTTPClient talks to the external SERP provider over HTTP. All failures
// are classified so the gateway and the fallback policy can act on them.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// NewHTTPClient creates an HTTP SERP client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	cfg.defaults()
	return &HTTPClient{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// wire format of the provider response.
type providerResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search performs one search call.
func (c *HTTPClient) Search(ctx context.Context, q Query) (*Result, error) {
	n := q.Normalize()

	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindExternalDependency,
			"invalid search endpoint", err)
	}
	qs := u.Query()
	qs.Set("q", n.Keyword)
	if n.Locale != "" {
		qs.Set("locale", n.Locale)
	}
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindExternalDependency,
			"build search request", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindExternalDependency,
			"search provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPaymentRequired:
		return nil, resilience.New(resilience.KindExternalDependency,
			fmt.Sprintf("search provider quota exhausted (http %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, resilience.New(resilience.KindExternalDependency,
			fmt.Sprintf("search provider rejected credentials (http %d)", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, resilience.New(resilience.KindExternalDependency,
			fmt.Sprintf("search provider error (http %d)", resp.StatusCode))
	}

	body, err := safeurl.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindExternalDependency,
			"read search response", err)
	}

	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, resilience.Wrap(resilience.KindExternalDependency,
			"malformed search response", err)
	}

	res := &Result{Query: n, FetchedAt: time.Now().UnixMilli()}
	for i, r := range pr.Results {
		res.Hits = append(res.Hits, Hit{
			Rank:    i + 1,
			Title:   r.Title,
			URL:     r.URL,
			Domain:  domainOf(r.URL),
			Snippet: r.Snippet,
		})
	}
	return res, nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
