// Package publisher provides a client for the social publishing platform API
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client implements the Publisher interface
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new publishing platform client
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("publisher API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type publishRequest struct {
	Content  string `json:"content"`
	Platform string `json:"platform"`
}

type publishResponse struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Publish creates a post. Requests sharing an idempotency key produce one post.
func (c *Client) Publish(ctx context.Context, content, platform, idempotencyKey string) (*models.PublishResult, error) {
	var resp publishResponse
	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}
	if err := c.do(ctx, http.MethodPost, "/v1/posts", headers, publishRequest{Content: content, Platform: platform}, &resp); err != nil {
		return nil, classify("publish", err)
	}
	if resp.ID == "" {
		return nil, common.NewError(common.CodeUpstreamFailure, "publisher returned no post id")
	}

	c.logger.Info().Str("reference", resp.ID).Str("platform", platform).Msg("Post published")
	return &models.PublishResult{
		Reference:   resp.ID,
		URL:         resp.URL,
		PublishedAt: resp.PublishedAt,
	}, nil
}

// UndoPublish deletes a post. Deleting a post that is already gone succeeds.
func (c *Client) UndoPublish(ctx context.Context, reference string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/posts/"+url.PathEscape(reference), nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classify("retract", err)
	}
	c.logger.Info().Str("reference", reference).Msg("Post retracted")
	return nil
}

// do performs a rate-limited JSON request
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body, result any) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	c.logger.Debug().Str("method", method).Str("url", path).Msg("Publisher API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(b),
			Endpoint:   path,
		}
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classify turns a transport or API failure into upstream_failure, retryable
// unless the platform rejected the request outright.
func classify(op string, err error) error {
	ge := common.WrapError(common.CodeUpstreamFailure, "publishing platform could not "+op+" the post", err)
	ge.Retryable = true
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		ge.Retryable = apiErr.Temporary()
		ge = ge.WithDetail("status", apiErr.StatusCode)
	}
	return ge
}

// Ensure Client implements Publisher
var _ interfaces.Publisher = (*Client)(nil)
