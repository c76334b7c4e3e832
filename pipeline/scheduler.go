package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/ledger"
	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/store"
)

// Scheduler executes pipeline runs over a validated template.
//
// Steps become eligible the moment every dependency reaches COMPLETED and
// run concurrently up to the configured parallelism bound. Failure of a
// required step skips its transitive dependents and fails the run, but
// never stops independent branches; failure of an optional step skips its
// dependents and lets the run complete with degraded status.
//
// A Scheduler is safe for concurrent use; each Execute call owns its run.
type Scheduler struct {
	tmpl  *Template
	state *StateManager
	led   *ledger.Ledger
	exec  *executor
	cfg   *schedulerConfig
}

// NewScheduler validates the template and builds a scheduler over the
// given store and ledger.
func NewScheduler(tmpl *Template, st store.Store, led *ledger.Ledger, opts ...Option) (*Scheduler, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newSchedulerConfig(opts...)
	if err != nil {
		return nil, err
	}
	state := NewStateManager(st, cfg.staleness)
	return &Scheduler{
		tmpl:  tmpl,
		state: state,
		led:   led,
		cfg:   cfg,
		exec: &executor{
			state:    state,
			led:      led,
			monitor:  cfg.monitor,
			breakers: cfg.breakers,
			metrics:  cfg.metrics,
			emitter:  cfg.emitter,
			workdir:  cfg.workdir,
		},
	}, nil
}

// Execute runs a fresh run to a terminal status.
func (s *Scheduler) Execute(ctx context.Context, run *Run) (*RunResult, error) {
	run.Status = RunRunning
	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	if err := s.state.InitSteps(ctx, run, s.tmpl); err != nil {
		return nil, err
	}
	records, err := s.state.List(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return s.loop(ctx, run, records)
}

// Resume continues an interrupted run. Stale RUNNING records are reset to
// PENDING (attempt counts preserved), COMPLETED records short-circuit,
// and scheduling proceeds from the recovered frontier.
func (s *Scheduler) Resume(ctx context.Context, runID string) (*RunResult, error) {
	run, err := s.state.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status == RunCompleted || run.Status == RunFailed {
		return nil, fmt.Errorf("run %s already terminal (%s)", runID, run.Status)
	}
	run.Status = RunRunning
	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.state.InitSteps(ctx, run, s.tmpl); err != nil {
		return nil, err
	}
	records, err := s.state.Recover(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.loop(ctx, run, records)
}

type stepResult struct {
	name string
	rec  store.StepRecord
	err  error
}

// loop is the scheduling core: compute the frontier, dispatch up to the
// parallelism bound, collect one result, repeat until every step is
// terminal or the run is cancelled.
func (s *Scheduler) loop(ctx context.Context, run *Run, records []store.StepRecord) (*RunResult, error) {
	statuses := make(map[string]StepStatus, s.tmpl.Len())
	for _, step := range s.tmpl.Steps() {
		statuses[step.Name] = StepPending
	}
	for _, rec := range records {
		statuses[rec.StepName] = StepStatus(rec.Status)
	}

	inflight := make(map[string]bool)
	results := make(chan stepResult)
	failedRequired := false
	degraded := false
	cancelled := false

	// Dependents of already-failed steps (a resumed run) must be skipped
	// before scheduling starts or they would never leave PENDING.
	for name, st := range statuses {
		if st == StepFailed {
			s.skipDownstream(ctx, run, name, statuses)
			if !s.tmpl.Step(name).Optional {
				failedRequired = true
			} else {
				degraded = true
			}
		}
	}

	for {
		if !cancelled {
			for _, name := range s.frontier(statuses, inflight) {
				if len(inflight) >= s.cfg.maxParallelism {
					break
				}
				step := s.tmpl.Step(name)
				inflight[name] = true
				statuses[name] = StepRunning
				go func(step *Step) {
					rec, err := s.exec.ExecuteStep(ctx, run, step)
					results <- stepResult{name: step.Name, rec: rec, err: err}
				}(step)
			}
		}
		if s.cfg.metrics != nil {
			s.cfg.metrics.UpdateInflightSteps(len(inflight))
			s.cfg.metrics.UpdateFrontierDepth(len(s.frontier(statuses, inflight)))
		}

		if len(inflight) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			// Drain inflight workers; their ExecuteStep calls observe the
			// cancelled context and record CANCELLED themselves.
			cancelled = true
			res := <-results
			delete(inflight, res.name)
			statuses[res.name] = StepStatus(res.rec.Status)
		case res := <-results:
			delete(inflight, res.name)
			statuses[res.name] = StepStatus(res.rec.Status)
			if statuses[res.name] == StepFailed {
				s.skipDownstream(ctx, run, res.name, statuses)
				if s.tmpl.Step(res.name).Optional {
					degraded = true
				} else {
					failedRequired = true
				}
			}
		}
	}

	if cancelled || ctx.Err() != nil {
		s.cancelPending(run, statuses)
		run.Status = RunFailed
		_ = s.state.SaveRun(context.WithoutCancel(ctx), run)
		return s.result(run, statuses, degraded), ErrRunCancelled
	}

	run.Status = RunCompleted
	if failedRequired {
		run.Status = RunFailed
	}
	if err := s.state.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	result := s.result(run, statuses, degraded)
	if err := s.exec.record(ctx, run.ID, "", ledger.EventRunComplete,
		map[string]any{
			"status":       string(run.Status),
			"degraded":     result.Degraded,
			"failed_steps": result.FailedSteps,
		},
		map[string]interface{}{"status": string(run.Status), "degraded": result.Degraded}); err != nil {
		return result, err
	}
	return result, nil
}

// frontier returns PENDING steps whose dependencies are all COMPLETED,
// sorted by name for deterministic dispatch order.
func (s *Scheduler) frontier(statuses map[string]StepStatus, inflight map[string]bool) []string {
	var ready []string
	for _, step := range s.tmpl.Steps() {
		if statuses[step.Name] != StepPending || inflight[step.Name] {
			continue
		}
		eligible := true
		for _, dep := range step.DependsOn {
			if statuses[dep] != StepCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, step.Name)
		}
	}
	sort.Strings(ready)
	return ready
}

// skipDownstream marks every still-PENDING transitive dependent of the
// failed step as SKIPPED. Siblings on independent branches are untouched.
func (s *Scheduler) skipDownstream(ctx context.Context, run *Run, failed string, statuses map[string]StepStatus) {
	for name := range s.tmpl.Downstream(failed) {
		if name == failed || statuses[name] != StepPending {
			continue
		}
		statuses[name] = StepSkipped
		rec, err := s.state.Get(ctx, run.ID, name)
		if err != nil {
			continue
		}
		rec.Status = string(StepSkipped)
		rec.EndTime = time.Now().UTC()
		_ = s.state.Put(ctx, rec)
	}
}

// cancelPending marks every non-terminal step CANCELLED after a run
// cancellation. A detached context is used because the run's own context
// is already done.
func (s *Scheduler) cancelPending(run *Run, statuses map[string]StepStatus) {
	ctx := context.Background()
	for name, st := range statuses {
		if st.Terminal() {
			continue
		}
		statuses[name] = StepCancelled
		rec, err := s.state.Get(ctx, run.ID, name)
		if err != nil {
			continue
		}
		rec.Status = string(StepCancelled)
		rec.EndTime = time.Now().UTC()
		rec.LastError = ErrRunCancelled.Error()
		rec.ErrorCategory = string(CategoryCancelled)
		_ = s.state.Put(ctx, rec)
	}
}

func (s *Scheduler) result(run *Run, statuses map[string]StepStatus, degraded bool) *RunResult {
	result := &RunResult{
		RunID:      run.ID,
		Status:     run.Status,
		Degraded:   degraded && run.Status == RunCompleted,
		StepStatus: make(map[string]StepStatus, len(statuses)),
	}
	for name, st := range statuses {
		result.StepStatus[name] = st
		if st == StepFailed {
			result.FailedSteps = append(result.FailedSteps, name)
		}
	}
	sort.Strings(result.FailedSteps)
	return result
}
