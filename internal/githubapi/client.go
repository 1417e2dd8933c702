// Package githubapi is the rate-governed client for the source API. It
// paces outbound requests, tracks the remaining quota from response
// headers, and classifies failures; it never retries on its own.
package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientConfig configures the source API client.
type ClientConfig struct {
	// BaseURL is the API root (default: https://api.github.com).
	BaseURL string

	// Token is the bearer token. Required.
	Token string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 1, i.e. minimum 1s between
	// requests; the hourly quota is the real bound, this is local pacing).
	RateLimit float64

	// RateBurst maximum burst size (default: 1).
	RateBurst int

	// QuotaFloor pauses requests when the tracked remaining quota drops to
	// this value or below, until the reported reset (default: 10).
	QuotaFloor int

	// UserAgent string (default: "contributor.info-capture").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
}

// maxQuotaWait caps how long the client sleeps for a quota reset. A reset
// further out than this surfaces as a rate-limit error instead.
const maxQuotaWait = time.Hour

// Client is a pacing, quota-aware source API client.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

// NewClient creates a source API client.
func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.github.com"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 1
	}
	if config.QuotaFloor == 0 {
		config.QuotaFloor = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = "contributor.info-capture"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:      logger,
		remaining:   -1, // unknown until the first response
	}
}

// RemainingQuota returns the last quota state reported by the API, or -1
// when no response has been seen yet.
func (c *Client) RemainingQuota() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// waitForQuota sleeps until the reported reset when the tracked quota is
// near exhaustion. Waits longer than maxQuotaWait are refused.
func (c *Client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	remaining, resetAt := c.remaining, c.resetAt
	c.mu.Unlock()

	if remaining < 0 || remaining > c.config.QuotaFloor {
		return nil
	}

	wait := time.Until(resetAt) + time.Minute
	if wait <= 0 {
		return nil
	}
	if wait > maxQuotaWait {
		return &APIError{Kind: KindRetryable, Message: fmt.Sprintf("quota exhausted, reset in %s", wait.Round(time.Second)), ResetAt: resetAt}
	}

	c.logger.Info("quota near exhaustion, waiting for reset", "remaining", remaining, "wait", wait.Round(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *Client) updateQuota(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining = remaining
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		c.resetAt = time.Unix(reset, 0)
	}
	c.mu.Unlock()
}

// get performs one paced GET and decodes the JSON response into target.
func (c *Client) get(ctx context.Context, path string, query url.Values, target any) error {
	if err := c.waitForQuota(ctx); err != nil {
		return err
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	return c.do(req, target)
}

// postGraphQL performs one paced GraphQL query.
func (c *Client) postGraphQL(ctx context.Context, queryDoc string, variables map[string]any, target any) error {
	if err := c.waitForQuota(ctx); err != nil {
		return err
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(map[string]any{"query": queryDoc, "variables": variables})
	if err != nil {
		return fmt.Errorf("marshal graphql payload: %w", err)
	}

	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/graphql"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	c.updateQuota(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var resetAt time.Time
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			resetAt = time.Unix(reset, 0)
		}
		return classify(resp.StatusCode, resp.Header.Get("X-RateLimit-Remaining"),
			resp.Header.Get("Retry-After"), resetAt, truncateBody(body))
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncateBody(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
