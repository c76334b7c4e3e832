package pipeline

import (
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"valid", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.2}, false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"max delay below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"jitter above one", RetryPolicy{MaxAttempts: 3, JitterFactor: 1.5}, true},
		{"jitter negative", RetryPolicy{MaxAttempts: 3, JitterFactor: -0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeBackoffExponential(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}

	// No jitter: delays are exact.
	wants := []time.Duration{
		100 * time.Millisecond, // attempt 1
		200 * time.Millisecond, // attempt 2
		400 * time.Millisecond, // attempt 3
		800 * time.Millisecond, // attempt 4
		time.Second,            // attempt 5, capped
		time.Second,            // attempt 6, still capped
	}
	for i, want := range wants {
		if got := computeBackoff(i+1, policy, nil); got != want {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, want)
		}
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.2,
	}
	rng := rand.New(rand.NewSource(42)) // #nosec G404

	for attempt := 1; attempt <= 10; attempt++ {
		got := computeBackoff(attempt, policy, rng)
		lo := minBackoff
		hi := time.Second + time.Duration(0.2*float64(time.Second))
		if got < lo || got > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestComputeBackoffDeterministic(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  4,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.5,
	}

	a := rand.New(rand.NewSource(7)) // #nosec G404
	b := rand.New(rand.NewSource(7)) // #nosec G404
	for attempt := 1; attempt <= 4; attempt++ {
		da := computeBackoff(attempt, policy, a)
		db := computeBackoff(attempt, policy, b)
		if da != db {
			t.Fatalf("attempt %d: same seed produced %v and %v", attempt, da, db)
		}
	}
}

func TestComputeBackoffFloorsAtMinimum(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  2,
		BaseDelay:    time.Nanosecond,
		JitterFactor: 1.0,
	}
	rng := rand.New(rand.NewSource(1)) // #nosec G404
	for i := 0; i < 50; i++ {
		if got := computeBackoff(1, policy, rng); got < minBackoff {
			t.Fatalf("delay %v below floor %v", got, minBackoff)
		}
	}
}

func TestComputeBackoffLargeAttemptNoOverflow(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 100,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
	if got := computeBackoff(90, policy, nil); got != time.Minute {
		t.Fatalf("attempt 90: delay = %v, want cap %v", got, time.Minute)
	}
}

func TestComputeBackoffLargeBaseSaturates(t *testing.T) {
	// 3s shifted by the attempt cap would exceed int64; the delay must
	// saturate positive instead of wrapping negative.
	uncapped := &RetryPolicy{MaxAttempts: 100, BaseDelay: 3 * time.Second}
	got := computeBackoff(40, uncapped, nil)
	if got <= 0 {
		t.Fatalf("attempt 40: delay = %v, overflowed", got)
	}
	if got < 3*time.Second {
		t.Fatalf("attempt 40: delay = %v, below base %v", got, 3*time.Second)
	}

	capped := &RetryPolicy{MaxAttempts: 100, BaseDelay: 3 * time.Second, MaxDelay: time.Minute}
	if got := computeBackoff(40, capped, nil); got != time.Minute {
		t.Fatalf("attempt 40 with cap: delay = %v, want %v", got, time.Minute)
	}
}
