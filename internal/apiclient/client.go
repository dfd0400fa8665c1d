// Package apiclient fetches paginated OData resources over HTTPS,
// mapping every failure into a typed, retry-aware error.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Trialogic/TrialSync-ETL/internal/ratelimit"
)

const (
	headerAPIKey = "CCAPIKey"

	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

var (
	// ErrBaseURLEmpty is returned when Config.BaseURL is empty.
	ErrBaseURLEmpty = errors.New("apiclient: base URL must not be empty")
	// ErrNonHTTPSBaseURL is returned when Config.BaseURL does not use HTTPS.
	ErrNonHTTPSBaseURL = errors.New("apiclient: base URL must use https")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// MaxPages is the hard cap on pages fetched per PageIterator; 0 disables the cap.
	MaxPages int
	// MaxRecords is the hard cap on cumulative items fetched per PageIterator; 0 disables the cap.
	MaxRecords int64
	// StrictParsing rejects unrecognized response shapes instead of treating them as empty.
	StrictParsing bool
	// Limiter, when set, gates every outbound request.
	Limiter ratelimit.Limiter
	// HTTPClient overrides the default pooled client; mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// HostCheck, when set, is called with the normalized base URL at
	// construction time; a non-nil error fails Client construction.
	// Wired to runtimeconfig.Preflight.CheckAPIHost so a development or
	// test process can never build a client pointed at a configured
	// production host.
	HostCheck func(baseURL string) error
	// NetworkCheck, when set, is called immediately before every real
	// (non-dry-run) HTTP round trip; a non-nil error fails that request
	// without reaching the network. Wired to
	// runtimeconfig.Preflight.CheckNetworkRequest as a defense-in-depth
	// assertion alongside the dryRun short-circuit PageIterator already
	// applies before a request is ever built.
	NetworkCheck func() error
}

// Client fetches OData resources from a single upstream base URL.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	httpClient   *http.Client
	limiter      ratelimit.Limiter
	maxRetries   int
	maxPages     int
	maxRecords   int64
	strict       bool
	logger       *slog.Logger
	networkCheck func() error
}

// New validates cfg and constructs a Client. Construction fails if the
// base URL is empty, malformed, or not HTTPS.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLEmpty
	}

	normalized := cfg.BaseURL
	if !strings.HasSuffix(normalized, "/") {
		normalized += "/"
	}

	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base URL: %w", err)
	}

	if base.Scheme != "https" {
		return nil, ErrNonHTTPSBaseURL
	}

	if cfg.HostCheck != nil {
		if err := cfg.HostCheck(base.String()); err != nil {
			return nil, fmt.Errorf("apiclient: host check failed: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      base,
		apiKey:       cfg.APIKey,
		httpClient:   httpClient,
		limiter:      cfg.Limiter,
		maxRetries:   maxRetries,
		maxPages:     cfg.MaxPages,
		maxRecords:   cfg.MaxRecords,
		strict:       cfg.StrictParsing,
		logger:       logger,
		networkCheck: cfg.NetworkCheck,
	}, nil
}

// QueryParams are the OData query parameters for a fetch.
type QueryParams struct {
	Top     int
	Filter  string
	OrderBy string
}

// FetchPages returns a lazy, finite sequence of pages for path. If
// dryRun is true, the iterator yields a single empty page without
// making any request.
func (c *Client) FetchPages(path string, params QueryParams, dryRun bool) *PageIterator {
	return &PageIterator{
		client: c,
		path:   path,
		params: params,
		dryRun: dryRun,
	}
}

// FetchPagesFrom resumes pagination at a previously checkpointed skip
// offset and page index, for callers recovering from a saved
// checkpoint rather than starting a fresh extraction.
func (c *Client) FetchPagesFrom(path string, params QueryParams, dryRun bool, skip, pageIndex int) *PageIterator {
	it := c.FetchPages(path, params, dryRun)
	it.skip = skip
	it.index = pageIndex

	return it
}

// buildURL joins the base URL and path without duplicating the API
// version segment (both are resolved through url.ResolveReference,
// which treats a trailing "/" on base and a leading "/"-free path as
// sibling segments rather than replacing the base's path entirely).
func (c *Client) buildURL(path string, params QueryParams, skip int) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, err
	}

	u := c.baseURL.ResolveReference(ref)

	q := u.Query()
	if params.Top > 0 {
		q.Set("$top", strconv.Itoa(params.Top))
	}

	q.Set("$skip", strconv.Itoa(skip))

	if params.Filter != "" {
		q.Set("$filter", params.Filter)
	}

	if params.OrderBy != "" {
		q.Set("$orderby", params.OrderBy)
	}

	u.RawQuery = q.Encode()

	return u, nil
}

// fetchRelative issues the initial/$skip-advanced request for path.
func (c *Client) fetchRelative(ctx context.Context, path string, params QueryParams, skip int) (*Page, *Error) {
	u, err := c.buildURL(path, params, skip)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to assemble request URL", Err: err}
	}

	return c.fetch(ctx, u)
}

// fetchAbsolute issues a request against a next-link, which may be
// relative or absolute per the upstream's discretion.
func (c *Client) fetchAbsolute(ctx context.Context, rawURL string) (*Page, *Error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindParse, Message: "invalid next-link URL", Err: err}
	}

	if !u.IsAbs() {
		u = c.baseURL.ResolveReference(u)
	}

	return c.fetch(ctx, u)
}

// fetch runs the request through the retry/backoff loop described in
// §4.2: RateLimit, Server, Timeout, and Network kinds are retried with
// exponential backoff capped at maxBackoff; everything else fails
// fast. A 429 with Retry-After sleeps that interval instead of the
// computed backoff, and still counts against the retry budget.
func (c *Client) fetch(ctx context.Context, u *url.URL) (*Page, *Error) {
	if c.networkCheck != nil {
		if err := c.networkCheck(); err != nil {
			return nil, &Error{Kind: KindValidation, Message: "network preflight check failed", Err: err}
		}
	}

	var lastErr *Error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, &Error{Kind: KindNetwork, Message: "rate limiter wait canceled", Err: err}
			}
		}

		page, apiErr := c.doRequest(ctx, u)
		if apiErr == nil {
			return page, nil
		}

		lastErr = apiErr

		if !apiErr.Retriable() || attempt == c.maxRetries {
			return nil, apiErr
		}

		wait := backoffDelay(attempt)
		if apiErr.Kind == KindRateLimit && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}

		c.logger.Warn("apiclient: retrying request",
			slog.String("kind", apiErr.Kind.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, &Error{Kind: KindTimeout, Message: "context canceled during backoff", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// doRequest performs a single HTTP round trip and classifies the
// outcome into an *Error, or nil on success.
func (c *Client) doRequest(ctx context.Context, u *url.URL) (*Page, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to build request", Err: err}
	}

	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}

		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}

		return nil, &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		kind := classifyStatus(resp.StatusCode)
		apiErr := &Error{Kind: kind, StatusCode: resp.StatusCode, Message: string(body)}

		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		return nil, apiErr
	}

	return parsePage(body, c.strict)
}

// backoffDelay computes the exponential backoff for attempt (0-based),
// capped at minBackoff..maxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := minBackoff << uint(attempt) //nolint:gosec // attempt is bounded by maxRetries
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}

	return d
}

// parseRetryAfter parses the integer-seconds form of Retry-After. A
// malformed or missing header yields zero, falling back to the
// computed exponential backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}
