package crawler

import (
	"context"
	"errors"
	"time"
)

// FixedDelayRetryPolicy retries up to maxAttempts total attempts with a constant delay.
type FixedDelayRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedDelayRetryPolicy builds a retrying-mode policy. maxAttempts counts the
// first attempt; values below 1 are treated as 1.
func NewFixedDelayRetryPolicy(maxAttempts int, delay time.Duration) *FixedDelayRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayRetryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// MaxAttempts returns the attempt limit.
func (p *FixedDelayRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after attempt attempts.
func (p *FixedDelayRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	return true
}

// Backoff returns the wait before the next attempt.
func (p *FixedDelayRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// NoRetryPolicy is the best-effort policy: every failure is final.
type NoRetryPolicy struct{}

// ShouldRetry always reports false.
func (NoRetryPolicy) ShouldRetry(error, int) bool { return false }

// Backoff always returns zero.
func (NoRetryPolicy) Backoff(int) time.Duration { return 0 }
