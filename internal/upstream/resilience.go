package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for upstream API calls
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// RateLimiter spaces out outbound calls
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls.
// A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

// Wait blocks until it's safe to make the next call or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.interval == 0 || rl.lastCall.IsZero() {
		rl.lastCall = time.Now()
		return nil
	}
	if elapsed := time.Since(rl.lastCall); elapsed < rl.interval {
		sleep := rl.interval - elapsed
		log.Debug().Dur("sleep", sleep).Msg("Rate limiting upstream call")
		t := time.NewTimer(sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	rl.lastCall = time.Now()
	return nil
}

// RetryableHTTPClient wraps an HTTP client with retries and rate limiting.
// Only idempotent methods are retried.
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

// NewRetryableHTTPClient creates a new HTTP client with retry logic
func NewRetryableHTTPClient(timeout time.Duration, requestsPerSecond float64) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: DefaultRetryConfig(),
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// WithRetryConfig replaces the retry policy.
func (c *RetryableHTTPClient) WithRetryConfig(rc RetryConfig) *RetryableHTTPClient {
	c.retryConfig = rc
	return c
}

// Do executes req. Retryable status codes on idempotent requests are retried
// with exponential backoff; once retries are exhausted they surface as *APIError.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !idempotent(req.Method) {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if c.shouldRetry(resp.StatusCode) {
			return nil, newAPIError(resp)
		}
		return resp, nil
	}

	notify := func(err error, delay time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", c.retryConfig.MaxRetries).
			Dur("delay", delay).
			Str("url", req.URL.String()).
			Msg("Upstream request failed, retrying")
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(c.retryConfig.MaxRetries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, err
	}
	return resp, nil
}

func (c *RetryableHTTPClient) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryConfig.InitialDelay
	b.MaxInterval = c.retryConfig.MaxDelay
	b.Multiplier = c.retryConfig.BackoffFactor
	b.RandomizationFactor = 0.25
	return b
}

// shouldRetry determines if a status code should trigger a retry
func (c *RetryableHTTPClient) shouldRetry(statusCode int) bool {
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// APIError is a non-2xx answer from an upstream API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

// newAPIError drains and closes resp.Body.
func newAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
}
