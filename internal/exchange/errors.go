package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for response classification.
var (
	// ErrRateLimited signals the upstream asked us to back off. Retryable.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrNotFound signals a 404, which can be benign for archive periods
	// outside a symbol's data-bearing window.
	ErrNotFound = errors.New("exchange: not found")
)

// APIError is a non-retryable upstream rejection (bad request, unknown
// symbol). It fails the request immediately.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: api error %d: %s", e.Status, e.Body)
}

// transientError wraps a failure worth retrying: network errors, timeouts,
// and 5xx responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "exchange: transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err is worth another attempt: transient I/O
// failures, deadlines, and explicit rate limiting. Permanent API errors and
// not-found are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
