package pipeline

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

// Circuit breaker states. CLOSED admits calls normally; OPEN rejects
// immediately; HALF_OPEN admits exactly one trial call after the recovery
// timeout.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a step's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker CLOSED -> OPEN. Zero uses the registry default.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before allowing a
	// HALF_OPEN trial. Zero uses the registry default.
	RecoveryTimeout time.Duration
}

// Default breaker configuration applied when a step leaves fields zero.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

// Breaker is a per-step failure-isolation state machine. All transitions
// happen under a single mutex so concurrent attempts from sibling runs see
// a consistent state; the Allow/Record pair is the only interface and is
// safe for concurrent use.
//
// Transitions:
//
//	CLOSED    -> OPEN      consecutive failures reach FailureThreshold
//	OPEN      -> HALF_OPEN RecoveryTimeout elapsed since the last failure
//	HALF_OPEN -> CLOSED    trial call succeeded (failure count resets)
//	HALF_OPEN -> OPEN      trial call failed (recovery timer resets)
type Breaker struct {
	mu sync.Mutex

	cfg         BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialOpen   bool // a HALF_OPEN trial is in flight

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a CLOSED breaker with the given configuration,
// applying registry defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it returns false
// until the recovery timeout elapses, at which point the breaker moves to
// HALF_OPEN and admits exactly one trial; further calls are rejected until
// the trial resolves via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = BreakerHalfOpen
			b.trialOpen = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.trialOpen {
			// A trial is already in flight; reject concurrent callers.
			return false
		}
		b.trialOpen = true
		return true
	}
	return false
}

// RecordSuccess records a successful call. In HALF_OPEN this closes the
// breaker and resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialOpen = false
	b.state = BreakerClosed
}

// RecordFailure records a failed call. In CLOSED it trips the breaker once
// the consecutive-failure count reaches the threshold; in HALF_OPEN the
// failed trial reopens the breaker and restarts the recovery timer.
// Returns the resulting state.
func (b *Breaker) RecordFailure() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	b.trialOpen = false

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}
	return b.state
}

// State returns the current breaker state, advancing OPEN to HALF_OPEN if
// the recovery timeout has elapsed (observation only; no trial is claimed).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// BreakerRegistry holds one breaker per step name.
//
// Scope is a deployment decision made explicit at construction: a registry
// shared across schedulers shares breaker state across all runs of the same
// template (multi-tenant protection of a flaky collaborator); a registry
// created per run isolates runs from each other. The default Scheduler
// constructor creates one registry per scheduler, i.e. shared-by-template
// within that scheduler.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*Breaker)}
}

// For returns the breaker for the named step, creating it with cfg on first
// use. Subsequent calls ignore cfg and return the existing breaker.
func (r *BreakerRegistry) For(stepName string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[stepName]; ok {
		return b
	}
	b := NewBreaker(cfg)
	r.breakers[stepName] = b
	return b
}
