package flowpipe

import (
	"time"

	"github.com/petrijr/flowpipe/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for per-item nodes.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing max attempts in total, with the
// default exponential backoff.
//
// max <= 0 is treated as 1 (no retries).
func Retry(max int) RetryBuilder {
	if max <= 0 {
		max = 1
	}
	p := api.DefaultRetryPolicy()
	p.Max = max
	return RetryBuilder{policy: p}
}

// NoRetry fails a job on its first error.
func NoRetry() RetryPolicy {
	return Retry(1).Policy()
}

// Exponential waits base*2^(attempt-1) before each retry, capped by max
// when max > 0.
//
// Example:
//
//	Retry(3).Exponential(5*time.Second, time.Minute)
func (r RetryBuilder) Exponential(base, max time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = api.BackoffExponential
	p.BaseDelay = base
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// Linear waits base*attempt before each retry, capped by max when max > 0.
func (r RetryBuilder) Linear(base, max time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = api.BackoffLinear
	p.BaseDelay = base
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// Immediate retries without delay.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.BaseDelay = 0
	p.MaxDelay = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
