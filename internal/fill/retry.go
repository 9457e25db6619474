package fill

import (
	"context"
	"time"

	"klinehub/internal/util"
)

// RetryPolicy bounds the retry loop for one chunk request.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the upstream's published rate-limit guidance.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// retryState is the per-chunk retry state machine: attempt count, next
// backoff, last error. It is scheduler-agnostic; run drives it with a
// plain loop and a context-aware sleep, so the same logic would behave
// identically under any concurrency primitive.
type retryState struct {
	policy  RetryPolicy
	attempt int
	next    time.Duration
	lastErr error
}

func newRetryState(policy RetryPolicy) *retryState {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &retryState{policy: policy, next: policy.BaseDelay}
}

// fail records a retryable failure and advances the backoff. It returns
// false once the attempt budget is exhausted.
func (s *retryState) fail(err error) bool {
	s.lastErr = err
	s.attempt++
	if s.attempt >= s.policy.MaxAttempts {
		return false
	}
	s.next *= 2
	if s.policy.MaxDelay > 0 && s.next > s.policy.MaxDelay {
		s.next = s.policy.MaxDelay
	}
	return true
}

// sleep waits out the current backoff (with jitter) or the context.
func (s *retryState) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(util.Jitter(s.next)):
		return nil
	}
}
