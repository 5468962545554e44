// Package remote is a small JSON-over-HTTP client shared by the remote turn
// resolver and the batch summarizer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 60 * time.Second

// maxErrorBody caps how much of a failed response is echoed into the error.
const maxErrorBody = 2048

// Client POSTs JSON documents to a fixed endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	retry    RetryPolicy
	breaker  *Breaker
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker != nil {
		c.breaker.endpoint = endpoint
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// PostJSON marshals in, POSTs it and decodes the response body into out.
// out may be nil to discard the body. Transient failures are retried per the
// client's RetryPolicy and counted by its Breaker.
func (c *Client) PostJSON(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := range c.retry.attempts() {
		if attempt > 0 {
			if err := waitBackoff(ctx, c.retry.ComputeBackoff(attempt-1)); err != nil {
				return err
			}
		}
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return err
			}
		}

		lastErr = c.post(ctx, body, out)
		if lastErr == nil {
			if c.breaker != nil {
				c.breaker.Success()
			}
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if c.breaker != nil {
			c.breaker.Failure()
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
