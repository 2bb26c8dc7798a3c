// Package fetch retrieves and extracts content from crawl targets. The
// fetcher re-runs the validation gate's SSRF checks plus the resolve-time
// ones the gate cannot do without I/O, caps response bodies, and
// classifies failures so the pipeline's fallback resolver can act on
// them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/brandscope/resilience"
	"github.com/hazyhaar/brandscope/safeurl"
)

// Mode selects the fetch strategy.
type Mode int

const (
	// ModeFull is the default strategy: browser-like headers, redirects
	// followed.
	ModeFull Mode = iota
	// ModeSimplified is the degraded strategy used after a blocked fetch:
	// a plain GET with a minimal header set and no redirect following.
	ModeSimplified
)

const (
	fullUserAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	simplifiedUserAgent = "brandscope/1.0"
)

// Options configures a Fetcher.
type Options struct {
	Timeout  time.Duration // per-request timeout; default 20s
	MaxBytes int64         // response body cap; default safeurl.MaxResponseBody
	Logger   *slog.Logger

	// AllowPrivate skips the SSRF guard. Tests only.
	AllowPrivate bool
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = safeurl.MaxResponseBody
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Fetcher retrieves pages from crawl targets.
type Fetcher struct {
	opts   Options
	full   *http.Client
	simple *http.Client
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	opts.defaults()
	return &Fetcher{
		opts: opts,
		full: &http.Client{Timeout: opts.Timeout},
		simple: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch retrieves rawURL and extracts its content. Failures are
// classified: network/DNS errors and SSRF-unsafe targets come back as
// unreachable-target, refusals (403/406/429, 5xx, non-HTML payloads)
// as fetch-blocked.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, mode Mode) (*Document, error) {
	if !f.opts.AllowPrivate {
		// The validation gate already ran the I/O-free checks at submit
		// time; the fetcher is where DNS resolution is acceptable, so it
		// also rejects hostnames resolving to private addresses.
		if err := safeurl.ValidateResolved(rawURL); err != nil {
			return nil, resilience.Wrap(resilience.KindUnreachableTarget,
				"target cannot be crawled", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindUnreachableTarget,
			"malformed target URL", err)
	}

	client := f.full
	if mode == ModeSimplified {
		client = f.simple
		req.Header.Set("User-Agent", simplifiedUserAgent)
	} else {
		req.Header.Set("User-Agent", fullUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, resilience.Wrap(resilience.KindUnreachableTarget,
			"target did not respond", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		f.opts.Logger.Debug("fetch refused",
			"url", rawURL, "status", resp.StatusCode, "mode", mode)
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text/plain") {
		return nil, resilience.New(resilience.KindFetchBlocked,
			fmt.Sprintf("target returned non-HTML content (%s)", ct))
	}

	body, err := safeurl.LimitedReadAll(resp.Body, f.opts.MaxBytes)
	if err != nil {
		if errors.Is(err, safeurl.ErrResponseTooLarge) {
			return nil, resilience.Wrap(resilience.KindFetchBlocked,
				"target response exceeds the size limit", err)
		}
		return nil, resilience.Wrap(resilience.KindUnreachableTarget,
			"target connection dropped mid-response", err)
	}

	doc, err := Extract(body, resp.Request.URL)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindFetchBlocked,
			"target content could not be parsed", err)
	}
	doc.URL = rawURL
	doc.StatusCode = resp.StatusCode
	doc.FetchedAt = time.Now()
	return doc, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden,
		code == http.StatusNotAcceptable,
		code == http.StatusTooManyRequests,
		code == http.StatusUnavailableForLegalReasons:
		return resilience.New(resilience.KindFetchBlocked,
			fmt.Sprintf("target refused the request (HTTP %d)", code))
	case code >= 500:
		return resilience.New(resilience.KindFetchBlocked,
			fmt.Sprintf("target errored (HTTP %d)", code))
	default:
		return resilience.New(resilience.KindUnreachableTarget,
			fmt.Sprintf("target returned HTTP %d", code))
	}
}
