package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3cpo-dev/tunedesk/internal/telemetry"
)

// Client is a small JSON-over-HTTP client shared by the upstream API clients.
type Client struct {
	baseURL   string
	target    string
	http      *RetryableHTTPClient
	collector *telemetry.Collector
	headers   http.Header
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *RetryableHTTPClient) Option {
	return func(c *Client) { c.http = hc }
}

// WithCollector records call metrics on col.
func WithCollector(col *telemetry.Collector) Option {
	return func(c *Client) { c.collector = col }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// New creates a client for baseURL. target labels the call metrics.
func New(target, baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		target:  target,
		http:    NewRetryableHTTPClient(30*time.Second, 0),
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx answer into out
// (if non-nil). Any status >= 300 is returned as *APIError.
func (c *Client) DoJSON(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		status := 0
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		c.collector.ObserveClientCall(c.target, method, status, time.Since(start))
		return err
	}
	defer resp.Body.Close()
	c.collector.ObserveClientCall(c.target, method, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage prefers the JSON "message" field, then the raw body, then the status text.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(status)
}
