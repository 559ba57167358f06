package virta

import "time"

// RetryBuilder accumulates a RetryPolicy for integration steps. The
// zero builder is not useful; start from Retry.
//
//	policy := virta.Retry(3).
//	    WithExponentialBackoff(100*time.Millisecond, 2.0, time.Second).
//	    Policy()
//	step := virta.Integration("notify", "notification-service", "/send", "POST",
//	    virta.WithRetry(policy))
//
// Only transient external errors are retried; see RetryPolicy for how
// MaxAttempts counts the initial call.
type RetryBuilder struct {
	p RetryPolicy
}

// Retry starts a builder allowing up to maxAttempts calls in total.
// Values below 1 mean a single call with no retries.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff pauses initial before the first retry and
// grows each subsequent pause by multiplier, capped at limit. A limit
// of zero leaves the growth uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	r.p.InitialBackoff = initial
	r.p.BackoffMultiplier = multiplier
	r.p.MaxBackoff = limit
	return r
}

// WithConstantBackoff pauses the same delay between every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.p.InitialBackoff = delay
	r.p.BackoffMultiplier = 1.0
	r.p.MaxBackoff = 0
	return r
}

// Immediate retries without pausing. MaxAttempts still bounds the
// total number of calls.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.p.InitialBackoff = 0
	r.p.BackoffMultiplier = 0
	r.p.MaxBackoff = 0
	return r
}

// Policy returns the accumulated RetryPolicy, normalized: MaxAttempts
// is clamped to at least 1, and a backoff configured with a
// non-positive multiplier defaults to doubling.
func (r RetryBuilder) Policy() RetryPolicy {
	p := r.p
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff > 0 && p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
	return p
}
