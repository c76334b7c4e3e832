package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/emit"
	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/ledger"
	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/store"
)

// executor drives a single step through admission, execution, retries and
// terminal persistence. The scheduler owns one executor and invokes it
// from parallel workers; all shared state (monitor, breakers, ledger,
// store) is internally synchronized.
type executor struct {
	state    *StateManager
	led      *ledger.Ledger
	monitor  *Monitor
	breakers *BreakerRegistry
	metrics  *PrometheusMetrics
	emitter  emit.Emitter
	workdir  string
}

// Ledger payload bodies. Kept small and flat so the chain stays cheap to
// verify and grep.
type startPayload struct {
	Attempt        int    `json:"attempt"`
	Granted        int64  `json:"granted"`
	SpanID         string `json:"span_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type retryPayload struct {
	Attempt int    `json:"attempt"`
	DelayMs int64  `json:"delay_ms"`
	Error   string `json:"error"`
}

type successPayload struct {
	Attempt    int    `json:"attempt"`
	Consumed   int64  `json:"consumed"`
	OutputHash string `json:"output_hash"`
	DurationMs int64  `json:"duration_ms"`
}

type failurePayload struct {
	Attempt        int    `json:"attempt"`
	Error          string `json:"error"`
	Category       string `json:"category"`
	IdempotencyKey string `json:"idempotency_key"`
}

type breakerPayload struct {
	State string `json:"state"`
}

type deniedPayload struct {
	Requested           int64 `json:"requested"`
	MaxAllowed          int64 `json:"max_allowed"`
	ReductionSuggestion int64 `json:"reduction_suggestion"`
}

type throttledPayload struct {
	Granted        int64  `json:"granted"`
	Consumed       int64  `json:"consumed"`
	IdempotencyKey string `json:"idempotency_key"`
}

// record appends a ledger event and mirrors it to the emitter. Ledger
// failures are returned; emission never fails the step.
func (ex *executor) record(ctx context.Context, runID, stepName string, typ ledger.EventType, payload any, meta map[string]interface{}) error {
	id, err := ex.led.Append(ctx, runID, stepName, typ, payload)
	if err != nil {
		return err
	}
	ex.emitter.Emit(emit.Event{
		RunID:    runID,
		Seq:      int(id),
		StepName: stepName,
		Msg:      eventMsg(typ),
		Meta:     meta,
	})
	return nil
}

func eventMsg(typ ledger.EventType) string {
	switch typ {
	case ledger.EventStepStart:
		return "step_start"
	case ledger.EventStepRetry:
		return "step_retry"
	case ledger.EventStepSuccess:
		return "step_success"
	case ledger.EventStepFailure:
		return "step_failure"
	case ledger.EventCircuitOpen:
		return "circuit_open"
	case ledger.EventCircuitClose:
		return "circuit_close"
	case ledger.EventBudgetDenied:
		return "budget_denied"
	case ledger.EventBudgetThrottled:
		return "budget_throttled"
	case ledger.EventRunComplete:
		return "run_complete"
	}
	return string(typ)
}

// ExecuteStep runs one step to a terminal status and returns its final
// record.
//
// The sequence is: idempotency short-circuit, breaker admission, token
// admission, then the retry loop. Every transition is persisted before
// the next one begins, so a crash at any point leaves a record the
// recovery path can resume from.
func (ex *executor) ExecuteStep(ctx context.Context, run *Run, step *Step) (store.StepRecord, error) {
	rec, err := ex.state.Get(ctx, run.ID, step.Name)
	if err != nil {
		return store.StepRecord{}, fmt.Errorf("load step %s: %w", step.Name, err)
	}

	// Completed work is never repeated; this is the resume fast path.
	if rec.Status == string(StepCompleted) {
		return rec, nil
	}

	// Admission runs before the breaker so a denial never claims a
	// HALF_OPEN trial slot; neither path calls the external
	// implementation, so the relative order is unobservable outside.
	decision := ex.monitor.Admit(step, rec.IdempotencyKey)
	if !decision.Approved {
		denied := &ResourceDeniedError{
			Step:                step.Name,
			Requested:           step.TokenBudget,
			MaxAllowed:          decision.MaxAllowed,
			ReductionSuggestion: decision.ReductionSuggestion,
		}
		if ex.metrics != nil {
			ex.metrics.IncrementBudgetDenials(step.Name)
		}
		rec = ex.failRecord(rec, denied, CategoryResourceDenied)
		if err := ex.record(ctx, run.ID, step.Name, ledger.EventBudgetDenied,
			deniedPayload{
				Requested:           denied.Requested,
				MaxAllowed:          denied.MaxAllowed,
				ReductionSuggestion: denied.ReductionSuggestion,
			},
			map[string]interface{}{"requested": denied.Requested, "max_allowed": denied.MaxAllowed}); err != nil {
			return rec, err
		}
		if err := ex.finishFailure(ctx, run.ID, step, rec, denied); err != nil {
			return rec, err
		}
		return rec, denied
	}

	br := ex.breakers.For(step.Name, step.Breaker)
	if !br.Allow() {
		rec = ex.failRecord(rec, ErrCircuitOpen, CategoryCircuitOpen)
		if err := ex.record(ctx, run.ID, step.Name, ledger.EventCircuitOpen,
			breakerPayload{State: string(br.State())},
			map[string]interface{}{"state": string(br.State())}); err != nil {
			return rec, err
		}
		if err := ex.finishFailure(ctx, run.ID, step, rec, ErrCircuitOpen); err != nil {
			return rec, err
		}
		return rec, fmt.Errorf("step %s: %w", step.Name, ErrCircuitOpen)
	}
	halfOpenTrial := br.State() == BreakerHalfOpen

	rec.Status = string(StepRunning)
	rec.GrantedTokens = decision.Granted
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now().UTC()
	}
	if err := ex.state.Put(ctx, rec); err != nil {
		return rec, fmt.Errorf("persist running step %s: %w", step.Name, err)
	}

	maxAttempts := 1
	var policy *RetryPolicy
	if step.Retry != nil {
		policy = step.Retry
		maxAttempts = policy.MaxAttempts
	}

	rng := stepRNG(run.Seed, step.Name)
	seed := StepSeed(run.Seed, step.Name)

	workdir := ""
	if ex.workdir != "" {
		workdir = filepath.Join(ex.workdir, run.ID)
	}

	// STEP_START is appended exactly once; every step's event sequence is
	// START, zero or more RETRYs, then one terminal event.
	if err := ex.record(ctx, run.ID, step.Name, ledger.EventStepStart,
		startPayload{
			Attempt:        rec.AttemptCount + 1,
			Granted:        decision.Granted,
			SpanID:         rec.SpanID,
			IdempotencyKey: rec.IdempotencyKey,
		},
		map[string]interface{}{"attempt": rec.AttemptCount + 1, "granted": decision.Granted}); err != nil {
		return rec, err
	}

	var lastErr error
	for attempt := rec.AttemptCount + 1; attempt <= maxAttempts; attempt++ {
		rec.AttemptCount = attempt
		if err := ex.state.Put(ctx, rec); err != nil {
			return rec, fmt.Errorf("persist attempt %d of %s: %w", attempt, step.Name, err)
		}

		start := time.Now()
		out, runErr := ex.runAttempt(ctx, run, step, attempt, seed, workdir)
		elapsed := time.Since(start)

		if runErr == nil {
			if halfOpenTrial {
				if err := ex.record(ctx, run.ID, step.Name, ledger.EventCircuitClose,
					breakerPayload{State: string(BreakerClosed)},
					map[string]interface{}{"state": string(BreakerClosed)}); err != nil {
					return rec, err
				}
				if ex.metrics != nil {
					ex.metrics.IncrementBreakerTransitions(step.Name, BreakerClosed)
				}
			}
			br.RecordSuccess()
			if ex.metrics != nil {
				ex.metrics.RecordStepLatency(step.Name, elapsed, "success")
			}

			throttled := ex.monitor.RecordConsumption(rec.IdempotencyKey, decision.Granted, out.ConsumedTokens, true)
			if throttled {
				if err := ex.record(ctx, run.ID, step.Name, ledger.EventBudgetThrottled,
					throttledPayload{
						Granted:        decision.Granted,
						Consumed:       out.ConsumedTokens,
						IdempotencyKey: rec.IdempotencyKey,
					},
					map[string]interface{}{"granted": decision.Granted, "consumed": out.ConsumedTokens}); err != nil {
					return rec, err
				}
			}

			rec.Status = string(StepCompleted)
			rec.EndTime = time.Now().UTC()
			rec.ConsumedTokens = out.ConsumedTokens
			rec.OutputRefs = out.Refs
			rec.OutputFields = out.Fields
			rec.OutputHash = out.Hash()
			rec.LastError = ""
			rec.ErrorCategory = ""
			if err := ex.state.Put(ctx, rec); err != nil {
				return rec, fmt.Errorf("persist completed step %s: %w", step.Name, err)
			}
			if err := ex.record(ctx, run.ID, step.Name, ledger.EventStepSuccess,
				successPayload{
					Attempt:    attempt,
					Consumed:   out.ConsumedTokens,
					OutputHash: rec.OutputHash,
					DurationMs: elapsed.Milliseconds(),
				},
				map[string]interface{}{"attempt": attempt, "consumed": out.ConsumedTokens, "duration_ms": elapsed.Milliseconds()}); err != nil {
				return rec, err
			}
			return rec, nil
		}

		lastErr = runErr

		// Run cancellation is not a step failure; leave the breaker alone
		// and surface the cancellation to the scheduler.
		if errors.Is(runErr, ErrRunCancelled) {
			rec.Status = string(StepCancelled)
			rec.EndTime = time.Now().UTC()
			rec.LastError = runErr.Error()
			rec.ErrorCategory = string(CategoryCancelled)
			if err := ex.state.Put(ctx, rec); err != nil {
				return rec, err
			}
			return rec, runErr
		}

		timedOut := errors.Is(runErr, context.DeadlineExceeded)
		status := "error"
		if timedOut {
			status = "timeout"
		}
		if ex.metrics != nil {
			ex.metrics.RecordStepLatency(step.Name, elapsed, status)
		}

		if newState := br.RecordFailure(); newState == BreakerOpen {
			if err := ex.record(ctx, run.ID, step.Name, ledger.EventCircuitOpen,
				breakerPayload{State: string(BreakerOpen)},
				map[string]interface{}{"state": string(BreakerOpen)}); err != nil {
				return rec, err
			}
			if ex.metrics != nil {
				ex.metrics.IncrementBreakerTransitions(step.Name, BreakerOpen)
			}
		}

		retryable := IsTransient(runErr) || (timedOut && (policy == nil || !policy.TimeoutFatal))
		if !retryable || attempt >= maxAttempts {
			break
		}

		delay := computeBackoff(attempt, policy, rng)
		if ex.metrics != nil {
			ex.metrics.IncrementRetries(step.Name, status)
		}
		if err := ex.record(ctx, run.ID, step.Name, ledger.EventStepRetry,
			retryPayload{Attempt: attempt, DelayMs: delay.Milliseconds(), Error: runErr.Error()},
			map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": runErr.Error()}); err != nil {
			return rec, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			rec.Status = string(StepCancelled)
			rec.EndTime = time.Now().UTC()
			rec.LastError = ErrRunCancelled.Error()
			rec.ErrorCategory = string(CategoryCancelled)
			if err := ex.state.Put(ctx, rec); err != nil {
				return rec, err
			}
			return rec, ErrRunCancelled
		case <-timer.C:
		}
	}

	// A recovered record can arrive with its attempts already exhausted;
	// the loop then never runs and there is no attempt error to wrap.
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %d recorded attempts", ErrMaxAttemptsExceeded, rec.AttemptCount)
	} else if IsTransient(lastErr) || errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, lastErr)
	}
	rec = ex.failRecord(rec, lastErr, Categorize(lastErr))
	if err := ex.finishFailure(ctx, run.ID, step, rec, lastErr); err != nil {
		return rec, err
	}
	ex.monitor.RecordConsumption(rec.IdempotencyKey, decision.Granted, rec.ConsumedTokens, false)
	return rec, fmt.Errorf("step %s: %w", step.Name, lastErr)
}

// runAttempt executes a single attempt with the per-attempt timeout
// applied. A parent cancellation surfaces as ErrRunCancelled; an attempt
// deadline surfaces as context.DeadlineExceeded. Each attempt gets a
// fresh RNG from the same derived seed, so retries see identical random
// sequences and replays reproduce them.
func (ex *executor) runAttempt(ctx context.Context, run *Run, step *Step, attempt int, seed int64, workdir string) (StepOutput, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	rc := RunContext{
		RunID:    run.ID,
		StepName: step.Name,
		Attempt:  attempt,
		Seed:     seed,
		RNG:      stepRNG(run.Seed, step.Name),
		Workdir:  workdir,
	}

	out, err := step.Runner.Run(attemptCtx, rc, step.Params)
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		return StepOutput{}, fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return StepOutput{}, fmt.Errorf("attempt %d timed out after %v: %w", attempt, step.Timeout, context.DeadlineExceeded)
	}
	return StepOutput{}, err
}

// failRecord stamps a record with a terminal failure.
func (ex *executor) failRecord(rec store.StepRecord, err error, cat ErrorCategory) store.StepRecord {
	rec.Status = string(StepFailed)
	rec.EndTime = time.Now().UTC()
	rec.LastError = err.Error()
	rec.ErrorCategory = string(cat)
	return rec
}

// finishFailure persists a terminal failure record and appends the
// STEP_FAILURE ledger event.
func (ex *executor) finishFailure(ctx context.Context, runID string, step *Step, rec store.StepRecord, cause error) error {
	if err := ex.state.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist failed step %s: %w", step.Name, err)
	}
	return ex.record(ctx, runID, step.Name, ledger.EventStepFailure,
		failurePayload{
			Attempt:        rec.AttemptCount,
			Error:          cause.Error(),
			Category:       rec.ErrorCategory,
			IdempotencyKey: rec.IdempotencyKey,
		},
		map[string]interface{}{"attempt": rec.AttemptCount, "error": cause.Error(), "category": rec.ErrorCategory})
}
