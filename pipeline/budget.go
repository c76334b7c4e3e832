package pipeline

import (
	"math"
	"sync"
)

// AdmissionDecision is the outcome of a resource-monitor admission check.
type AdmissionDecision struct {
	// Approved reports whether the step may execute with its requested
	// budget.
	Approved bool

	// Granted is the token allowance recorded on approval (the requested
	// amount; the dynamic limit only caps, it never inflates a request).
	Granted int64

	// MaxAllowed is the dynamic limit computed for this admission.
	MaxAllowed int64

	// ReductionSuggestion, set on denial, is 80% of the limit, a budget
	// that would have been admitted with headroom.
	ReductionSuggestion int64
}

// MonitorStats are the shared aggregates feeding the dynamic-limit
// multipliers. All fields are live system observations, updated by the
// deployment's telemetry (SetLoad, ObserveHealth) and by the monitor itself
// per completion (behavior window).
type MonitorStats struct {
	// CurrentLoad and OptimalLoad feed the load multiplier
	// clamp(1/(current/optimal), 0.5, 2.0). OptimalLoad defaults to 0.8.
	CurrentLoad float64
	OptimalLoad float64

	// SuccessRate and ComplianceScore, both in [0,1], feed the behavior
	// multiplier clamp(0.6*success + 0.4*compliance, 0.8, 1.2) over a
	// trailing window.
	SuccessRate     float64
	ComplianceScore float64

	// Uptime, ErrorRate in [0,1] and Latency/TargetLatency feed the health
	// multiplier clamp(0.4*uptime + 0.4*(1-error) + 0.2*(1-lat/target), 0.7, 1.0).
	Uptime        float64
	ErrorRate     float64
	Latency       float64
	TargetLatency float64
}

// Monitor computes dynamic per-step token ceilings and enforces
// post-execution consumption discipline.
//
// The dynamic limit for a step is
//
//	base × load × priority × behavior × health
//
// clamped to [0.3×base, 3.0×base]. The limit is ephemeral: it exists only
// for the admission decision, and only the granted amount is persisted on
// the StepState.
//
// Monitors are explicit injectable objects, never ambient singletons; tests
// instantiate an isolated Monitor per case. All state is guarded by one
// mutex and updated atomically per admission and per completion.
type Monitor struct {
	mu    sync.Mutex
	stats MonitorStats

	// throttled tracks StepStates whose consumption exceeded 150% of the
	// grant; their remaining allocation is cut to 50% and the key is
	// flagged for manual review.
	throttled map[string]bool

	// behavior window counters
	completions int64
	successes   int64
}

// Clamp bounds on the combined dynamic limit, relative to the base budget.
const (
	limitFloorFactor = 0.3
	limitCeilFactor  = 3.0
)

// NewMonitor creates a monitor with neutral aggregates (all multipliers
// 1.0 except where the formulas' clamps bind).
func NewMonitor() *Monitor {
	return &Monitor{
		stats: MonitorStats{
			CurrentLoad:     0.8,
			OptimalLoad:     0.8,
			SuccessRate:     1.0,
			ComplianceScore: 1.0,
			Uptime:          1.0,
			ErrorRate:       0.0,
			Latency:         0.0,
			TargetLatency:   1.0,
		},
		throttled: make(map[string]bool),
	}
}

// SetStats replaces the monitor's aggregates, for tests and for deployments
// that push telemetry in bulk.
func (m *Monitor) SetStats(stats MonitorStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stats.OptimalLoad == 0 {
		stats.OptimalLoad = 0.8
	}
	if stats.TargetLatency == 0 {
		stats.TargetLatency = 1.0
	}
	m.stats = stats
}

// SetLoad updates the current load observation.
func (m *Monitor) SetLoad(current float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CurrentLoad = current
}

// priorityMultiplier is the fixed lookup table for step priorities.
func priorityMultiplier(p Priority) float64 {
	switch p {
	case PriorityLow:
		return 0.7
	case PriorityHigh:
		return 1.3
	case PriorityCritical:
		return 1.5
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Limit computes the dynamic token ceiling for a step without admitting it.
func (m *Monitor) Limit(step *Step) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitLocked(step)
}

func (m *Monitor) limitLocked(step *Step) int64 {
	s := m.stats

	loadFactor := s.CurrentLoad / s.OptimalLoad
	load := 2.0
	if loadFactor > 0 {
		load = clamp(1.0/loadFactor, 0.5, 2.0)
	}

	priority := priorityMultiplier(step.Priority)
	behavior := clamp(0.6*s.SuccessRate+0.4*s.ComplianceScore, 0.8, 1.2)
	health := clamp(0.4*s.Uptime+0.4*(1.0-s.ErrorRate)+0.2*(1.0-s.Latency/s.TargetLatency), 0.7, 1.0)

	base := float64(step.TokenBudget)
	limit := base * load * priority * behavior * health
	limit = clamp(limit, limitFloorFactor*base, limitCeilFactor*base)
	return int64(math.Round(limit))
}

// Admit performs the admission check for a step. The requested amount is
// the step's base token budget. On approval the decision's Granted equals
// the request; on denial MaxAllowed carries the binding limit and
// ReductionSuggestion is 80% of it.
//
// A StepState previously throttled for overconsumption (identified by its
// idempotency key) is admitted against half the dynamic limit, so the cut
// allocation binds on every re-admission of that state.
func (m *Monitor) Admit(step *Step, idempotencyKey string) AdmissionDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.limitLocked(step)
	if m.throttled[idempotencyKey] {
		limit = int64(math.Round(float64(limit) * throttleFactor))
	}
	requested := step.TokenBudget

	if requested <= limit {
		return AdmissionDecision{
			Approved:   true,
			Granted:    requested,
			MaxAllowed: limit,
		}
	}
	return AdmissionDecision{
		Approved:            false,
		MaxAllowed:          limit,
		ReductionSuggestion: int64(math.Round(float64(limit) * 0.8)),
	}
}

// Overconsumption discipline thresholds: consuming more than 150% of the
// grant throttles the remaining allocation to 50%. This is a resource-abuse
// mechanism, distinct from the functional circuit breaker.
const (
	overconsumptionFactor = 1.5
	throttleFactor        = 0.5
)

// RecordConsumption records a step's actual token consumption against its
// grant and updates the behavior window. When consumption exceeds 150% of
// the granted amount the step (identified by its idempotency key) is
// throttled (its remaining allocation is cut to 50%) and flagged for
// manual review. Returns true when the throttle tripped.
func (m *Monitor) RecordConsumption(idempotencyKey string, granted, consumed int64, success bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completions++
	if success {
		m.successes++
	}
	if m.completions > 0 {
		m.stats.SuccessRate = float64(m.successes) / float64(m.completions)
	}

	if granted > 0 && float64(consumed) > overconsumptionFactor*float64(granted) {
		m.throttled[idempotencyKey] = true
		return true
	}
	return false
}

// Throttled reports whether the StepState with the given idempotency key
// has been flagged for overconsumption, and the remaining allocation factor
// applied to it.
func (m *Monitor) Throttled(idempotencyKey string) (bool, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.throttled[idempotencyKey] {
		return true, throttleFactor
	}
	return false, 1.0
}

// FlaggedForReview returns the idempotency keys of all throttled
// StepStates, for surfacing in operator tooling.
func (m *Monitor) FlaggedForReview() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.throttled))
	for k := range m.throttled {
		keys = append(keys, k)
	}
	return keys
}
