// Package retry holds the central retry/dead-letter decision logic.
//
// Every handler invocation moves through a small state machine:
//
//	Pending -> Success
//	Pending -> RetryableFailure -> Pending (attempt_count+1) ... -> PermanentFailure
//	Pending -> PermanentFailure
//
// PermanentFailure is terminal: the envelope is dead-lettered and never
// re-enters the pipeline automatically.
package retry

import (
	"time"

	"github.com/coursepipe/coursepipe/errors"
)

// Outcome is the decision for one envelope-processing attempt.
type Outcome int

const (
	// Success: publish the successor envelope downstream.
	Success Outcome = iota

	// RetryableFailure: republish to the same input topic with the attempt
	// count incremented, optionally after a backoff delay.
	RetryableFailure

	// PermanentFailure: dead-letter the envelope with error context.
	PermanentFailure
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Policy bounds retries for one stage.
type Policy struct {
	// MaxAttempts is the retry limit. An envelope whose attempt count has
	// reached this value is dead-lettered instead of retried.
	// Zero means no retries: every failure is permanent.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	// Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff schedule.
	// Default: 30s.
	MaxBackoff time.Duration
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Classify decides the outcome of a failed handler invocation.
//
// Transient and resource errors are retryable until the attempt count
// reaches the policy maximum. Permanent and internal errors, and any error
// carrying no classification at all, fail closed to PermanentFailure. The
// stage agent classifies unclassified handler failures as HANDLER_FAILED
// before they reach this policy, so those get the capped retry treatment
// rather than an unbounded loop or an instant dead-letter.
func (p Policy) Classify(err error, attemptCount int) Outcome {
	if err == nil {
		return Success
	}
	if !errors.IsRetryable(err) {
		return PermanentFailure
	}
	if attemptCount >= p.MaxAttempts {
		return PermanentFailure
	}
	return RetryableFailure
}

// Backoff returns the delay before retrying the given attempt (0-indexed):
// exponential doubling from InitialBackoff, capped at MaxBackoff.
func (p Policy) Backoff(attemptCount int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}

	d := initial
	for i := 0; i < attemptCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
