package pipeline

import (
	"fmt"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/emit"
)

// Option is a functional option for configuring a Scheduler.
//
// Example:
//
//	sched, err := pipeline.NewScheduler(tmpl, st, led,
//	    pipeline.WithMaxParallelism(8),
//	    pipeline.WithEmitter(emit.NewLogEmitter(os.Stdout, true)),
//	    pipeline.WithMetrics(metrics),
//	)
type Option func(*schedulerConfig) error

// schedulerConfig collects options before they are applied to a
// Scheduler, allowing validation at construction time.
type schedulerConfig struct {
	maxParallelism int
	staleness      time.Duration
	workdir        string
	monitor        *Monitor
	breakers       *BreakerRegistry
	metrics        *PrometheusMetrics
	emitter        emit.Emitter
}

// defaultMaxParallelism bounds concurrent step execution when no option
// overrides it.
const defaultMaxParallelism = 4

// WithMaxParallelism sets the maximum number of steps executing
// concurrently. Must be >= 1. Default: 4.
func WithMaxParallelism(n int) Option {
	return func(cfg *schedulerConfig) error {
		if n < 1 {
			return fmt.Errorf("max parallelism must be >= 1, got %d", n)
		}
		cfg.maxParallelism = n
		return nil
	}
}

// WithStaleness sets how long a RUNNING step record may go without an
// update before recovery treats its worker as dead and resets the record
// to PENDING. Default: 5 minutes.
func WithStaleness(d time.Duration) Option {
	return func(cfg *schedulerConfig) error {
		if d <= 0 {
			return fmt.Errorf("staleness must be positive, got %v", d)
		}
		cfg.staleness = d
		return nil
	}
}

// WithWorkdir sets the root workspace directory passed to step runners.
// Each run gets a subdirectory named after its run ID. Empty (the
// default) means runners receive no workspace.
func WithWorkdir(dir string) Option {
	return func(cfg *schedulerConfig) error {
		cfg.workdir = dir
		return nil
	}
}

// WithMonitor injects the resource monitor used for token admission.
// Default: a fresh Monitor with neutral aggregates. Share one monitor
// across schedulers to enforce a deployment-wide budget view.
func WithMonitor(m *Monitor) Option {
	return func(cfg *schedulerConfig) error {
		if m == nil {
			return fmt.Errorf("monitor must not be nil")
		}
		cfg.monitor = m
		return nil
	}
}

// WithBreakers injects the circuit breaker registry. Default: a fresh
// registry per scheduler, meaning breaker state is shared across all runs
// of this scheduler's template but isolated from other schedulers. Pass a
// shared registry to widen the scope, or a fresh one per run to narrow it.
func WithBreakers(r *BreakerRegistry) Option {
	return func(cfg *schedulerConfig) error {
		if r == nil {
			return fmt.Errorf("breaker registry must not be nil")
		}
		cfg.breakers = r
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection. Default: no metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *schedulerConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithEmitter sets the observability emitter. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *schedulerConfig) error {
		if e == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		cfg.emitter = e
		return nil
	}
}

func newSchedulerConfig(opts ...Option) (*schedulerConfig, error) {
	cfg := &schedulerConfig{
		maxParallelism: defaultMaxParallelism,
		staleness:      defaultStaleness,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.monitor == nil {
		cfg.monitor = NewMonitor()
	}
	if cfg.breakers == nil {
		cfg.breakers = NewBreakerRegistry()
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	return cfg, nil
}
