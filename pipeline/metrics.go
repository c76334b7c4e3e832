package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// pipeline execution monitoring in production environments.
//
// Metrics exposed (all namespaced with "pipeline_"):
//
// 1. inflight_steps (gauge): Current number of steps executing concurrently.
//
// 2. frontier_depth (gauge): Number of ready steps waiting for a worker.
//
// 3. step_latency_ms (histogram): Step execution duration in milliseconds.
// Labels: step_name, status (success/error/timeout).
//
// 4. retries_total (counter): Cumulative retry attempts.
// Labels: step_name, reason.
//
// 5. breaker_transitions_total (counter): Circuit breaker state changes.
// Labels: step_name, to_state.
//
// 6. budget_denials_total (counter): Token admission rejections.
// Labels: step_name.
//
// 7. replay_mismatches_total (counter): Steps whose replayed output hash
// diverged from the recorded one. Labels: step_name.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := pipeline.NewPrometheusMetrics(registry)
//	sched, err := pipeline.NewScheduler(tmpl, st, led,
//	    pipeline.WithMetrics(metrics),
//	)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: Prometheus collectors handle concurrent updates.
type PrometheusMetrics struct {
	inflightSteps prometheus.Gauge
	frontierDepth prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries            *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	budgetDenials      *prometheus.CounterVec
	replayMismatches   *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all pipeline execution
// metrics with the provided registry. A nil registry falls back to
// prometheus.DefaultRegisterer; a dedicated registry is recommended for
// isolation in tests.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightSteps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeline",
		Name:      "inflight_steps",
		Help:      "Current number of steps executing concurrently",
	})

	pm.frontierDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeline",
		Name:      "frontier_depth",
		Help:      "Number of ready steps waiting for a worker slot",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds (from dispatch to completion)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"step_name", "status"}) // status: success, error, timeout

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "retries_total",
		Help:      "Cumulative count of step retry attempts",
	}, []string{"step_name", "reason"}) // reason: error, timeout

	pm.breakerTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"step_name", "to_state"}) // to_state: OPEN, HALF_OPEN, CLOSED

	pm.budgetDenials = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "budget_denials_total",
		Help:      "Token admission requests rejected by the resource monitor",
	}, []string{"step_name"})

	pm.replayMismatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "replay_mismatches_total",
		Help:      "Replayed steps whose output hash diverged from the recorded output",
	}, []string{"step_name"})

	return pm
}

// RecordStepLatency records the execution duration of one step attempt.
// Status is "success", "error", or "timeout".
func (pm *PrometheusMetrics) RecordStepLatency(stepName string, latency time.Duration, status string) {
	if !pm.recording() {
		return
	}
	pm.stepLatency.WithLabelValues(stepName, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for a step and reason.
func (pm *PrometheusMetrics) IncrementRetries(stepName, reason string) {
	if !pm.recording() {
		return
	}
	pm.retries.WithLabelValues(stepName, reason).Inc()
}

// UpdateFrontierDepth sets the current number of ready steps waiting for
// a worker.
func (pm *PrometheusMetrics) UpdateFrontierDepth(depth int) {
	if !pm.recording() {
		return
	}
	pm.frontierDepth.Set(float64(depth))
}

// UpdateInflightSteps sets the current number of steps in execution.
func (pm *PrometheusMetrics) UpdateInflightSteps(count int) {
	if !pm.recording() {
		return
	}
	pm.inflightSteps.Set(float64(count))
}

// IncrementBreakerTransitions records a circuit breaker state change.
func (pm *PrometheusMetrics) IncrementBreakerTransitions(stepName string, to BreakerState) {
	if !pm.recording() {
		return
	}
	pm.breakerTransitions.WithLabelValues(stepName, string(to)).Inc()
}

// IncrementBudgetDenials records a token admission rejection.
func (pm *PrometheusMetrics) IncrementBudgetDenials(stepName string) {
	if !pm.recording() {
		return
	}
	pm.budgetDenials.WithLabelValues(stepName).Inc()
}

// IncrementReplayMismatches records a replay output divergence.
func (pm *PrometheusMetrics) IncrementReplayMismatches(stepName string) {
	if !pm.recording() {
		return
	}
	pm.replayMismatches.WithLabelValues(stepName).Inc()
}

func (pm *PrometheusMetrics) recording() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
