package probe

import (
	"time"

	"cutoff-lab/internal/domain"
)

// RetryPolicy decides whether a failed attempt is repeated at the same period.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	Delay      time.Duration // wait before each retry

	// Retryable reports whether a state is worth retrying.
	// Nil means operational failures (TimedOut, Cancelled, Error).
	Retryable func(domain.TerminalState) bool
}

// DefaultRetryPolicy retries an operational failure once, immediately.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1}
}

// ShouldRetry reports whether another attempt follows attempt number
// attempts (1-based) that ended in state.
func (p RetryPolicy) ShouldRetry(state domain.TerminalState, attempts int) bool {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.TerminalState.IsOperational
	}
	return retryable(state) && attempts <= p.MaxRetries
}
