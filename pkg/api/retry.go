package api

import (
	"math"
	"time"
)

// RetryPolicy controls how a failed activity is retried. MaxAttempts
// includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before attempt N (N >= 2) is
//
//	min(InitialInterval * BackoffCoefficient^(N-2), MaxInterval)
//
// so the first retry waits exactly InitialInterval.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxInterval        time.Duration `json:"max_interval,omitempty"`
	MaxAttempts        int           `json:"max_attempts"`

	// NonRetryableErrorTypes lists error classes that fail the activity
	// immediately regardless of remaining attempts.
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
}

// DefaultRetryPolicy mirrors the defaults applied when an activity is
// scheduled without an explicit policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        time.Minute,
		MaxAttempts:        5,
	}
}

// Normalized returns a copy with zero fields replaced by defaults.
func (p RetryPolicy) Normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffCoefficient <= 0 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// BackoffFor returns the delay to wait after failedAttempt (1-based)
// before the next attempt.
func (p RetryPolicy) BackoffFor(failedAttempt int) time.Duration {
	p = p.Normalized()
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	backoff := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(failedAttempt-1))
	d := time.Duration(backoff)
	if backoff > float64(math.MaxInt64) {
		d = time.Duration(math.MaxInt64)
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after
// failedAttempt (1-based) failed with the given error type.
func (p RetryPolicy) ShouldRetry(failedAttempt int, errType string) bool {
	p = p.Normalized()
	if failedAttempt >= p.MaxAttempts {
		return false
	}
	for _, t := range p.NonRetryableErrorTypes {
		if t == errType {
			return false
		}
	}
	return true
}
