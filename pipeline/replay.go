package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/ledger"
	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/store"
)

// FieldDiff records one structured output field that diverged between the
// original execution and the replay.
type FieldDiff struct {
	Field    string `json:"field"`
	Original string `json:"original"`
	Replayed string `json:"replayed"`
}

// StepDiff is the replay verdict for one step.
type StepDiff struct {
	// StepName identifies the step.
	StepName string `json:"step_name"`

	// Replayed is true when the step was re-executed; false when it lay
	// outside the replay window and its cached output was reused.
	Replayed bool `json:"replayed"`

	// Matched is true when the replayed output hash equals the original.
	// Always true for non-replayed steps.
	Matched bool `json:"matched"`

	// OriginalHash and ReplayedHash are the canonical output hashes.
	OriginalHash string `json:"original_hash"`
	ReplayedHash string `json:"replayed_hash,omitempty"`

	// FieldDiffs lists field-level divergences for mismatched steps with
	// structured outputs. Empty for matches and for steps without fields.
	FieldDiffs []FieldDiff `json:"field_diffs,omitempty"`
}

// ReplayResult aggregates the outcome of a replay window.
type ReplayResult struct {
	// RunID is the original run that was replayed.
	RunID string `json:"run_id"`

	// Matched is true when every replayed step reproduced its original
	// output hash.
	Matched bool `json:"matched"`

	// Steps holds per-step verdicts in dependency order.
	Steps []StepDiff `json:"steps"`
}

// ReplayEngine re-executes a window of a completed run against the same
// seed and idempotency keys, then diffs the outputs against the recorded
// originals.
//
// Replay is sandboxed: the original run's records, ledger chain and
// status are never mutated. A mismatch means an external step
// implementation is non-deterministic (or its backing data changed), and
// is reported, never silently ignored.
type ReplayEngine struct {
	tmpl    *Template
	state   *StateManager
	led     *ledger.Ledger
	metrics *PrometheusMetrics
	workdir string
}

// NewReplayEngine builds a replay engine over the template, store and
// ledger the original runs used.
func NewReplayEngine(tmpl *Template, st store.Store, led *ledger.Ledger, opts ...Option) (*ReplayEngine, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	cfg, err := newSchedulerConfig(opts...)
	if err != nil {
		return nil, err
	}
	return &ReplayEngine{
		tmpl:    tmpl,
		state:   NewStateManager(st, cfg.staleness),
		led:     led,
		metrics: cfg.metrics,
		workdir: cfg.workdir,
	}, nil
}

// Replay re-executes the window [fromStep, toStep] of the given run.
//
// The window is the intersection of fromStep's downstream closure and
// toStep's upstream closure, both inclusive. An empty fromStep opens the
// window at the roots; an empty toStep extends it to the leaves; both
// empty replays the whole run.
//
// Steps outside the window are not executed; their recorded outputs are
// treated as trusted inputs. Steps inside the window run sequentially in
// dependency order with the original seed and idempotency keys, so a
// deterministic implementation must reproduce its recorded output hash.
//
// Before anything executes, the run's ledger chain is verified; a broken
// chain aborts the replay because the recorded baseline cannot be
// trusted.
func (re *ReplayEngine) Replay(ctx context.Context, runID, fromStep, toStep string) (*ReplayResult, error) {
	run, err := re.state.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	if ok, err := re.led.Verify(ctx, runID); err != nil || !ok {
		if err == nil {
			err = ledger.ErrChainBroken
		}
		return nil, fmt.Errorf("refusing replay of %s: %w", runID, err)
	}

	window, err := re.window(fromStep, toStep)
	if err != nil {
		return nil, err
	}

	// The local copy only; the stored run record keeps its real status.
	run.Status = RunReplaying

	workdir := re.replayWorkdir(runID)
	result := &ReplayResult{RunID: runID, Matched: true}

	for _, name := range re.tmpl.TopoOrder() {
		step := re.tmpl.Step(name)
		rec, err := re.state.Get(ctx, runID, step.Name)
		if err != nil {
			return nil, fmt.Errorf("load step %s: %w", step.Name, err)
		}

		if !window[step.Name] || rec.Status != string(StepCompleted) {
			// Outside the window, or never completed originally; nothing
			// to re-execute or compare.
			result.Steps = append(result.Steps, StepDiff{
				StepName:     step.Name,
				Replayed:     false,
				Matched:      true,
				OriginalHash: rec.OutputHash,
			})
			continue
		}

		diff, err := re.replayStep(ctx, run, step, rec, workdir)
		if err != nil {
			return nil, err
		}
		if !diff.Matched {
			result.Matched = false
			if re.metrics != nil {
				re.metrics.IncrementReplayMismatches(step.Name)
			}
		}
		result.Steps = append(result.Steps, diff)
	}

	return result, nil
}

// replayStep re-executes one completed step with its original identity
// and compares outputs.
func (re *ReplayEngine) replayStep(ctx context.Context, run *Run, step *Step, rec store.StepRecord, workdir string) (StepDiff, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	rc := RunContext{
		RunID:    run.ID,
		StepName: step.Name,
		Attempt:  1,
		Seed:     StepSeed(run.Seed, step.Name),
		RNG:      stepRNG(run.Seed, step.Name),
		Workdir:  workdir,
	}

	out, err := step.Runner.Run(attemptCtx, rc, step.Params)
	if err != nil {
		return StepDiff{}, fmt.Errorf("replay step %s: %w", step.Name, err)
	}

	replayedHash := out.Hash()
	diff := StepDiff{
		StepName:     step.Name,
		Replayed:     true,
		Matched:      replayedHash == rec.OutputHash,
		OriginalHash: rec.OutputHash,
		ReplayedHash: replayedHash,
	}
	if !diff.Matched {
		diff.FieldDiffs = fieldDiffs(rec.OutputFields, out.Fields)
	}
	return diff, nil
}

// replayWorkdir sandboxes replay artifacts away from the original run's
// workspace. Computed once per Replay call so every step in the window
// shares one sandbox directory.
func (re *ReplayEngine) replayWorkdir(runID string) string {
	if re.workdir == "" {
		return ""
	}
	return re.workdir + "/" + runID + "-replay-" + time.Now().UTC().Format("20060102T150405.000Z")
}

// window computes the inclusive set of step names between fromStep and
// toStep.
func (re *ReplayEngine) window(fromStep, toStep string) (map[string]bool, error) {
	all := make(map[string]bool, re.tmpl.Len())
	for _, step := range re.tmpl.Steps() {
		all[step.Name] = true
	}

	down := all
	if fromStep != "" {
		if re.tmpl.Step(fromStep) == nil {
			return nil, fmt.Errorf("unknown replay start step %q", fromStep)
		}
		down = re.tmpl.Downstream(fromStep)
	}
	up := all
	if toStep != "" {
		if re.tmpl.Step(toStep) == nil {
			return nil, fmt.Errorf("unknown replay end step %q", toStep)
		}
		up = re.tmpl.Upstream(toStep)
	}

	window := make(map[string]bool)
	for name := range down {
		if up[name] {
			window[name] = true
		}
	}
	if len(window) == 0 {
		return nil, fmt.Errorf("replay window from %q to %q selects no steps", fromStep, toStep)
	}
	return window, nil
}

// fieldDiffs diffs two structured output maps key by key.
func fieldDiffs(original, replayed map[string]string) []FieldDiff {
	keys := make(map[string]bool, len(original)+len(replayed))
	for k := range original {
		keys[k] = true
	}
	for k := range replayed {
		keys[k] = true
	}

	var diffs []FieldDiff
	for k := range keys {
		o, r := original[k], replayed[k]
		if o != r {
			diffs = append(diffs, FieldDiff{Field: k, Original: o, Replayed: r})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}
