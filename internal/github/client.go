// Package github provides the typed client for the external code-hosting API.
// Every provider call in the process goes through one Client, which owns the
// shared rate-limit state and the conditional-request cache.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gitpulse/gitpulse/internal/telemetry"
)

const (
	// DefaultAPIEndpoint is the public provider API.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout bounds a single HTTP exchange.
	DefaultTimeout = 30 * time.Second

	// DefaultLowWater is the remaining-quota mark below which calls stop.
	DefaultLowWater = 100

	// MaxPageSize is the provider's per_page ceiling.
	MaxPageSize = 100

	// retryMaxElapsed bounds the whole retry sequence for one request.
	retryMaxElapsed = 2 * time.Minute
)

// Client is a provider API client with rate-limit accounting, conditional
// caching and retry. Safe for concurrent use.
type Client struct {
	Token           string
	BaseURL         string
	HTTPClient      *http.Client
	WaitOnRateLimit bool
	LowWater        int

	log *slog.Logger

	mu    sync.Mutex
	rate  RateLimit
	etags map[string]cachedResponse

	reqMu    sync.Mutex
	requests int64
}

type cachedResponse struct {
	etag string
	body []byte
}

// NewClient creates a provider client authenticated with token.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Token:    token,
		BaseURL:  DefaultAPIEndpoint,
		LowWater: DefaultLowWater,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:   logger,
		etags: make(map[string]cachedResponse),
	}
}

// WithBaseURL overrides the API endpoint (tests, GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.BaseURL = baseURL
	return c
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.HTTPClient = hc
	return c
}

// WithWaitOnRateLimit makes the client sleep through quota exhaustion instead
// of failing with ErrRateLimited.
func (c *Client) WithWaitOnRateLimit(wait bool) *Client {
	c.WaitOnRateLimit = wait
	return c
}

// WithLowWater overrides the remaining-quota low-water mark.
func (c *Client) WithLowWater(n int) *Client {
	c.LowWater = n
	return c
}

// RateLimit returns the latest quota snapshot the provider reported.
func (c *Client) RateLimit() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// RequestCount returns the number of requests issued since construction.
func (c *Client) RequestCount() int64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.requests
}

func (c *Client) countRequest() {
	c.reqMu.Lock()
	c.requests++
	c.reqMu.Unlock()
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}
	return u
}

// recordRateHeaders captures the quota the provider reported on a response.
func (c *Client) recordRateHeaders(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	var resetAt time.Time
	if sec, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && sec > 0 {
		resetAt = time.Unix(sec, 0)
	}
	c.mu.Lock()
	c.rate = RateLimit{Remaining: remaining, Limit: limit, ResetAt: resetAt}
	c.mu.Unlock()
}

// checkBudget enforces the low-water mark before a request is issued. When
// the budget is below the mark the client either sleeps until reset or fails
// with a RateLimitError, depending on WaitOnRateLimit.
func (c *Client) checkBudget(ctx context.Context) error {
	c.mu.Lock()
	rate := c.rate
	c.mu.Unlock()

	if rate.ResetAt.IsZero() || rate.Remaining >= c.LowWater || !time.Now().Before(rate.ResetAt) {
		return nil
	}
	if !c.WaitOnRateLimit {
		return &RateLimitError{ResetAt: rate.ResetAt}
	}
	wait := time.Until(rate.ResetAt) + time.Second
	c.log.Info("rate limit low, waiting for reset",
		"remaining", rate.Remaining, "reset_at", rate.ResetAt, "wait", wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		// Budget replenished; clear the stale snapshot so the next response
		// re-establishes it.
		c.mu.Lock()
		c.rate = RateLimit{}
		c.mu.Unlock()
		return nil
	}
}

// isRateLimitResponse distinguishes quota exhaustion from generic throttling.
// The provider signals quota exhaustion as 403 (or 429) with remaining = 0.
func isRateLimitResponse(status int, h http.Header) bool {
	if status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return false
	}
	return h.Get("X-RateLimit-Remaining") == "0"
}

func newRequestBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// get performs a conditional, rate-limit-aware GET and returns the response
// body. 304 responses replay the cached body. Transient failures are retried
// with exponential backoff and full jitter; retry exhaustion surfaces as
// ErrTransient.
func (c *Client) get(ctx context.Context, urlStr string) ([]byte, http.Header, error) {
	if err := c.checkBudget(ctx); err != nil {
		return nil, nil, err
	}

	var body []byte
	var headers http.Header
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		c.mu.Lock()
		cached, hasCached := c.etags[urlStr]
		c.mu.Unlock()
		if hasCached {
			req.Header.Set("If-None-Match", cached.etag)
		}

		c.countRequest()
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}

		const maxResponseSize = 50 * 1024 * 1024
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()

		c.recordRateHeaders(resp.Header)
		telemetry.RecordProviderRequest(ctx, resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusNotModified && hasCached:
			body = cached.body
			headers = resp.Header
			return nil

		case isRateLimitResponse(resp.StatusCode, resp.Header):
			resetAt := time.Now().Add(time.Minute)
			if sec, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && sec > 0 {
				resetAt = time.Unix(sec, 0)
			}
			rlErr := &RateLimitError{ResetAt: resetAt}
			if !c.WaitOnRateLimit {
				return backoff.Permanent(rlErr)
			}
			wait := time.Until(resetAt) + time.Second
			c.log.Info("rate limited mid-call, waiting for reset", "reset_at", resetAt)
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(wait):
				return rlErr // retryable now that the window has reset
			}

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)

		case resp.StatusCode == http.StatusTooManyRequests:
			// Throttled without quota exhaustion; honor Retry-After if given.
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					select {
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					case <-time.After(time.Duration(seconds) * time.Second):
					}
				}
			}
			return fmt.Errorf("throttled (status 429)")

		case resp.StatusCode >= 500:
			return fmt.Errorf("server error (status %d)", resp.StatusCode)

		case readErr != nil:
			return fmt.Errorf("failed to read response: %w", readErr)

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)})
		}

		if etag := resp.Header.Get("ETag"); etag != "" {
			c.mu.Lock()
			c.etags[urlStr] = cachedResponse{etag: etag, body: respBody}
			c.mu.Unlock()
		}
		body = respBody
		headers = resp.Header
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(newRequestBackoff(), ctx))
	if err != nil {
		var rlErr *RateLimitError
		var stErr *StatusError
		switch {
		case errors.Is(err, ErrNotFound),
			errors.As(err, &rlErr),
			errors.As(err, &stErr),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return body, headers, nil
}

// linkNextPattern matches the "next" relation in Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
