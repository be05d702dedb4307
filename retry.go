package flowgraph

import "time"

// RetryBuilder builds RetryPolicy values for StepWithRetry and Task
// activities:
//
//	flowgraph.Retry(5).Exponential(100*time.Millisecond, 2*time.Second).Policy()
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts calls in total. Values below
// one mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// Exponential doubles the delay after every failed attempt, starting at
// initial. A positive limit caps the delay.
func (r RetryBuilder) Exponential(initial, limit time.Duration) RetryBuilder {
	r.policy.InitialBackoff = initial
	r.policy.MaxBackoff = limit
	if r.policy.BackoffMultiplier <= 1 {
		r.policy.BackoffMultiplier = 2
	}
	return r
}

// Multiplier sets the growth factor of Exponential delays.
func (r RetryBuilder) Multiplier(m float64) RetryBuilder {
	r.policy.BackoffMultiplier = m
	return r
}

// Constant waits delay between attempts.
func (r RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 1
	return r
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: r.policy.MaxAttempts}}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
