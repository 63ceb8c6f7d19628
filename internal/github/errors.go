package github

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Callers branch with errors.Is; the rate-limit reset
// time travels on RateLimitError and is recovered with errors.As.
var (
	// ErrNotFound means the provider does not know the entity. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means the request budget is exhausted until reset.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient means retries were exhausted on a retryable condition.
	ErrTransient = errors.New("transient provider error")
)

// RateLimitError carries the time at which the provider's quota resets.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StatusError is a non-retryable provider response outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}
