package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnRetry is called before each backoff sleep with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it immediately without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Do executes the given function with exponential backoff retry.
// Returns the last error if all attempts fail.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for functions that produce a result.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	maxAttempts := max(cfg.MaxAttempts, 1)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt-1, lastErr)
			}
			backoff := calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var transient *transientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") {
			return true
		}
	}

	// AWS and HTTP client errors expose the status code through this method.
	type hasStatusCode interface {
		HTTPStatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		return isRetryableStatus(sc.HTTPStatusCode())
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"connection refused",
		"connection reset",
		"eof",
		"broken pipe",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
		"blockhash not found",
		"node is behind",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// calculateBackoff returns base * 2^attempt capped at max, scaled by a random
// factor in [0.5, 1.0).
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > max {
		backoff = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
