package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient step
// failures.
//
// When an attempt fails with a retryable error, the executor waits
// min(BaseDelay × 2^(attempt-1), MaxDelay) plus symmetric jitter of
// ±JitterFactor × delay before the next attempt. Exponential backoff with
// jitter avoids synchronized retry storms across concurrent steps.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including
	// the first. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the backoff base for the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// JitterFactor scales the symmetric jitter applied to each delay,
	// expressed as a fraction of the computed delay (0.2 = ±20%).
	// Values are clamped to [0, 1].
	JitterFactor float64

	// TimeoutFatal treats a per-attempt timeout as a fatal failure instead
	// of a retryable one. By default timeouts are retried.
	TimeoutFatal bool
}

// Validate checks the policy configuration.
// MaxAttempts must be >= 1, and MaxDelay (when set) must be >= BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	if rp.JitterFactor < 0 || rp.JitterFactor > 1 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// minBackoff floors computed delays so jitter can never produce a zero or
// negative sleep.
const minBackoff = time.Millisecond

// computeBackoff calculates the delay before retry number attempt
// (1-based: attempt=1 is the delay after the first failure).
//
// delay = min(base × 2^(attempt-1), maxDelay), then jitter in
// [-jitterFactor×delay, +jitterFactor×delay] is added and the result is
// floored at minBackoff. In expectation the sequence is monotonically
// non-decreasing until the cap, and it never exceeds
// maxDelay + jitterFactor×maxDelay.
//
// The rng comes from the run's seeded source so replayed runs reproduce the
// exact backoff sequence.
func computeBackoff(attempt int, policy *RetryPolicy, rng *rand.Rand) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = minBackoff
	}

	// Shift capped and saturated so base << shift cannot overflow into a
	// negative delay; the saturation value leaves jitter headroom.
	shift := uint(attempt - 1)
	if shift > 32 {
		shift = 32
	}
	var delay time.Duration
	if base > math.MaxInt64>>(shift+1) {
		delay = time.Duration(math.MaxInt64 >> 1)
	} else {
		delay = base << shift
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.JitterFactor > 0 {
		span := float64(delay) * policy.JitterFactor
		var frac float64
		if rng != nil {
			frac = rng.Float64()
		} else {
			frac = rand.Float64() // #nosec G404 -- jitter timing, not security
		}
		// frac in [0,1) -> jitter in [-span, +span)
		delay += time.Duration(span * (2*frac - 1))
	}

	if delay < minBackoff {
		delay = minBackoff
	}
	return delay
}
