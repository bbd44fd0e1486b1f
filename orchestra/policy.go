package orchestra

import (
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retry of node invocations that fail with
// a TransientError. Exponential backoff with jitter spaces the attempts so
// concurrent sessions do not retry in lockstep.
//
// Only transient failures are retried. A FatalNodeError, a routing error, or
// any unclassified error aborts the turn on the first occurrence.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocation attempts, including the
	// first. Must be >= 1; a value of 1 disables retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff. The delay before
	// attempt n (zero-based retry count) is
	// min(BaseDelay * 2^n, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before the next retry. attempt is the
// zero-based retry count (0 for the first retry).
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	// Bit shift for 2^attempt, guarded against overflow for large counts.
	exp := base
	if attempt > 0 && attempt < 63 {
		exp = base << attempt
	}
	if exp <= 0 || (maxDelay > 0 && exp > maxDelay) {
		exp = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry spacing, not security
	return exp + jitter
}
