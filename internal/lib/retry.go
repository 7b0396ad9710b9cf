package lib

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trobanga/mediaflow/internal/models"
)

// CalculateBackoff computes exponential backoff duration
// Formula: min(initialBackoff * 2^attempt, maxBackoff)
func CalculateBackoff(attempt int, initialBackoffMs int64, maxBackoffMs int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponential backoff: initialBackoff * 2^attempt
	backoffMs := float64(initialBackoffMs) * math.Pow(2, float64(attempt))

	// Cap at maxBackoff
	if backoffMs > float64(maxBackoffMs) {
		backoffMs = float64(maxBackoffMs)
	}

	return time.Duration(backoffMs) * time.Millisecond
}

// ShouldRetry determines if an operation should be retried based on error type and retry count
func ShouldRetry(errorType models.ErrorType, currentRetries int, maxRetries int) bool {
	// Only retry transient errors
	if errorType != models.ErrorTypeTransient {
		return false
	}

	// Check if we haven't exceeded max retries
	return currentRetries < maxRetries
}

// ClassifyHTTPError determines if an HTTP error is transient or non-transient
func ClassifyHTTPError(statusCode int) models.ErrorType {
	if models.IsTransientHTTPStatus(statusCode) {
		return models.ErrorTypeTransient
	}
	return models.ErrorTypeNonTransient
}

// RetryConfig holds retry strategy parameters
type RetryConfig struct {
	MaxAttempts      int
	InitialBackoffMs int64
	MaxBackoffMs     int64
}

// NewRetryConfigFromModel creates RetryConfig from models.RetryConfig
func NewRetryConfigFromModel(config models.RetryConfig) RetryConfig {
	return RetryConfig{
		MaxAttempts:      config.MaxAttempts,
		InitialBackoffMs: config.InitialBackoffMs,
		MaxBackoffMs:     config.MaxBackoffMs,
	}
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func(ctx context.Context) error

// ExecuteWithRetry executes an operation with exponential backoff retry logic.
// Waiting between attempts honours ctx cancellation.
// Returns nil if operation succeeds, or the last error if all retries are exhausted
func ExecuteWithRetry(ctx context.Context, operation RetryableOperation, config RetryConfig, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		// Last attempt - don't wait
		if attempt == config.MaxAttempts-1 {
			break
		}

		if err := Sleep(ctx, CalculateBackoff(attempt, config.InitialBackoffMs, config.MaxBackoffMs)); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, lastErr)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNetworkError checks if an error is likely a network-related issue
// These are typically transient and should be retried
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Common network error patterns
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"deadline exceeded", // Catches "context deadline exceeded"
		"eof",
	}

	for _, pattern := range networkErrors {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}
