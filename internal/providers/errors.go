package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoProvider means every provider in the failover chain was
// exhausted or unavailable.
var ErrNoProvider = errors.New("no provider available")

// RetryableError marks a provider failure that may succeed on retry or
// on a different provider: rate limits, timeouts, 5xx.
type RetryableError struct {
	Provider string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Provider, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that retrying cannot fix:
// auth, billing, invalid requests, content filters.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// classify wraps a raw provider error as retryable or permanent.
// Status 0 means no HTTP status was available; classification falls
// back to message sniffing.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return &RetryableError{Provider: provider, Err: err}
	case status >= 400:
		return &PermanentError{Provider: provider, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection"):
		return &RetryableError{Provider: provider, Err: err}
	}
	return &PermanentError{Provider: provider, Err: err}
}
