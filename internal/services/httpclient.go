package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// HTTPClient wraps the standard http.Client with retry logic and configuration.
// A 2xx status is success. By default only transient statuses and network
// errors are retried; RetryAnyFailure widens that to every failed attempt.
type HTTPClient struct {
	client      *http.Client
	retryConfig lib.RetryConfig
	logger      *lib.Logger

	retryStatus func(statusCode int) bool
	retryError  func(err error) bool
}

// NewHTTPClient creates an HTTP client with timeout and retry configuration
func NewHTTPClient(timeout time.Duration, retryConfig models.RetryConfig, logger *lib.Logger) *HTTPClient {
	if retryConfig.MaxAttempts < 1 {
		retryConfig.MaxAttempts = 1
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		retryConfig: lib.NewRetryConfigFromModel(retryConfig),
		logger:      logger,
		retryStatus: func(statusCode int) bool {
			return lib.ClassifyHTTPError(statusCode) == models.ErrorTypeTransient
		},
		retryError: lib.IsNetworkError,
	}
}

// RetryAnyFailure makes every non-2xx status and every transport error
// retryable, up to the configured attempts
func (c *HTTPClient) RetryAnyFailure() *HTTPClient {
	c.retryStatus = func(int) bool { return true }
	c.retryError = func(error) bool { return true }
	return c
}

// Get performs an HTTP GET request with retry logic
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	return c.Do(req)
}

// PostJSON performs an HTTP POST request with a JSON body and retry logic
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// Do executes an HTTP request, retrying failed attempts the client
// considers retryable with exponential backoff. It returns the number of
// attempts made. A final non-2xx status is returned as a response, not an
// error.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, int, error) {
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		lib.LogServiceCall(c.logger, req.URL.Host, req.URL.Path, req.Method)
		startTime := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(startTime)

		switch {
		case err == nil:
			lib.LogServiceResponse(c.logger, req.URL.Host, resp.StatusCode, duration)
			if models.IsSuccessHTTPStatus(resp.StatusCode) {
				return resp, attempt + 1, nil
			}
			if !c.retryStatus(resp.StatusCode) || attempt == c.retryConfig.MaxAttempts-1 {
				return resp, attempt + 1, nil
			}
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		case c.retryError(err):
			lastErr = err
		default:
			return nil, attempt + 1, err
		}

		if !lib.ShouldRetry(models.ErrorTypeTransient, attempt+1, c.retryConfig.MaxAttempts) {
			return nil, attempt + 1, fmt.Errorf("request failed after %d attempts: %w", attempt+1, lastErr)
		}
		lib.LogRetry(c.logger, req.URL.String(), attempt+1, c.retryConfig.MaxAttempts, lastErr)

		backoff := lib.CalculateBackoff(attempt, c.retryConfig.InitialBackoffMs, c.retryConfig.MaxBackoffMs)
		if err := lib.Sleep(req.Context(), backoff); err != nil {
			return nil, attempt + 1, fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, lastErr)
		}
	}

	return nil, c.retryConfig.MaxAttempts, fmt.Errorf("request failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}
