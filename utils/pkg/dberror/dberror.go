// Package dberror classifies storage errors and retries the transient ones.
package dberror

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType classifies database errors for appropriate handling.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnectivity indicates the database is unreachable.
	ErrorTypeConnectivity
	// ErrorTypeTimeout indicates the operation timed out.
	ErrorTypeTimeout
	// ErrorTypeAuth indicates authentication/authorization failure.
	ErrorTypeAuth
	// ErrorTypeQuery indicates a query/syntax error.
	ErrorTypeQuery
	// ErrorTypeConflict indicates a uniqueness or serialization conflict.
	ErrorTypeConflict
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnectivity:
		return "connectivity"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeQuery:
		return "query"
	case ErrorTypeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// IsTransient returns true if the error is likely transient and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout:
		return true
	default:
		return isSerializationFailure(err)
	}
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// Classify determines the type of database error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return ErrorTypeConnectivity
		case pgErr.Code == "57014":
			return ErrorTypeTimeout
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return ErrorTypeAuth
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "40"):
			return ErrorTypeConflict
		case strings.HasPrefix(pgErr.Code, "42"):
			return ErrorTypeQuery
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())

	connectivityPatterns := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"conn closed",
		"no such host",
		"dial tcp",
		"dial unix",
		"eof",
		"broken pipe",
		"network is unreachable",
		"no route to host",
		"i/o timeout",
		"closed pool",
		"pool is closed",
		"driver is closed",
		"neo4j is unavailable",
		"server shutdown",
	}
	for _, pattern := range connectivityPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeConnectivity
		}
	}

	timeoutPatterns := []string{
		"timeout",
		"deadline exceeded",
		"timed out",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTimeout
		}
	}

	authPatterns := []string{
		"password authentication failed",
		"authentication failed",
		"unauthorized",
		"permission denied",
	}
	for _, pattern := range authPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeAuth
		}
	}

	queryPatterns := []string{
		"syntax error",
		"does not exist",
		"unknown column",
		"unknown table",
	}
	for _, pattern := range queryPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeQuery
		}
	}

	return ErrorTypeUnknown
}

// UserMessage returns a user-facing message for the error class.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch Classify(err) {
	case ErrorTypeConnectivity:
		return "Database temporarily unavailable. Please try again in a moment."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	case ErrorTypeAuth:
		return "Database authentication error. Please contact support."
	case ErrorTypeQuery:
		return "Invalid query. Please check your input."
	case ErrorTypeConflict:
		return "The record was modified concurrently. Please retry."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns defaults for database reads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Retry executes fn with retries for transient errors.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
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

		if !IsTransient(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

func calculateBackoff(base, maxBackoff time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	return min(backoff, maxBackoff)
}
