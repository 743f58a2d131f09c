// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/golden"
	"github.com/tombee/baton/pkg/policy"
	"github.com/tombee/baton/pkg/skill"
)

// RunStatus is the terminal state of a workflow run.
type RunStatus string

const (
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunBudgetExceeded  RunStatus = "budget_exceeded"
	RunPolicyViolation RunStatus = "policy_violation"
	RunCancelled       RunStatus = "cancelled"
)

// StepResult records one step's outcome within a run.
type StepResult struct {
	Success     bool           `json:"success"`
	Skipped     bool           `json:"skipped,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	CostMinor   int64          `json:"cost_minor"`
	RetriesUsed int            `json:"retries_used"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Err         error          `json:"-"`
}

// Result is the outcome of a workflow run.
type Result struct {
	RunID      string                 `json:"run_id"`
	Status     RunStatus              `json:"status"`
	Steps      map[string]*StepResult `json:"steps"`
	SpentMinor int64                  `json:"spent_minor"`
}

// Engine drives workflow runs: dependency ordering, reference
// resolution, policy checks, skill invocation with seeded retries,
// checkpointing, and golden recording.
type Engine struct {
	registry    *skill.Registry
	enforcer    *policy.Enforcer
	checkpoints store.CheckpointStore
	recorder    golden.Recorder
	logger      *slog.Logger
	limiter     *rate.Limiter
	tracer      trace.Tracer
	conditions  *conditionEvaluator
	planCheck   func(*Spec) error

	// sleep is stubbed in tests so retry backoff costs no wall time.
	sleep func(ctx context.Context, d time.Duration) error
}

// EngineConfig configures an Engine. Registry is required; the other
// collaborators are optional and disable their concern when nil.
type EngineConfig struct {
	Registry    *skill.Registry
	Enforcer    *policy.Enforcer
	Checkpoints store.CheckpointStore
	Recorder    golden.Recorder
	Logger      *slog.Logger

	// Limiter caps skill invocations per tenant; nil disables rate
	// limiting.
	Limiter *rate.Limiter

	// PlanCheck vets the plan before any step executes, including
	// plans resolved for cross-workflow invokes. A non-nil error
	// refuses the run outright: nothing is recorded or checkpointed.
	PlanCheck func(*Spec) error
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:    cfg.Registry,
		enforcer:    cfg.Enforcer,
		checkpoints: cfg.Checkpoints,
		recorder:    cfg.Recorder,
		logger:      logger,
		limiter:     cfg.Limiter,
		planCheck:   cfg.PlanCheck,
		tracer:      otel.Tracer("baton.workflow"),
		conditions:  newConditionEvaluator(),
		sleep:       sleepCtx,
	}
}

// RunParams identifies and parameterizes one run.
type RunParams struct {
	Spec  *Spec
	RunID string

	// Seed is the base seed every step seed derives from.
	Seed uint64

	// Replay marks the run as a deterministic re-execution; it is
	// recorded in the golden run_start event.
	Replay bool

	// AgentID scopes delegated budget checks; empty skips them.
	AgentID string

	// Resume loads the checkpoint for RunID and continues from
	// next_step_index instead of starting fresh.
	Resume bool

	// Cancelled is polled at each step boundary; nil never cancels.
	Cancelled func() bool

	// CancelTerminal controls the checkpoint status written when the
	// run observes cancellation: cancelled when true, paused (and
	// therefore resumable) when false.
	CancelTerminal bool
}

// Run executes the workflow to a terminal state. The returned Result
// is non-nil whenever err is nil; policy denials and step failures are
// reported in Result.Status, not as errors.
func (e *Engine) Run(ctx context.Context, params RunParams) (*Result, error) {
	spec := params.Spec
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if params.RunID == "" {
		return nil, &errors.ValidationError{Field: "run_id", Message: "run id is required"}
	}
	if e.planCheck != nil {
		if err := e.planCheck(spec); err != nil {
			return nil, err
		}
	}

	order, err := spec.Order()
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run_id", params.RunID),
			attribute.String("workflow_id", spec.ID),
			attribute.Bool("replay", params.Replay),
		))
	defer span.End()

	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	logger := log.WithRun(e.logger, params.RunID).With("workflow_id", spec.ID)

	run := &runState{
		params:  params,
		spec:    spec,
		order:   order,
		outputs: make(map[string]any),
		failed:  make(map[string]bool),
		result: &Result{
			RunID:  params.RunID,
			Status: RunCompleted,
			Steps:  make(map[string]*StepResult, len(order)),
		},
	}

	mode := "fresh"
	switch {
	case params.Replay:
		mode = "replay"
	case params.Resume:
		mode = "resume"
	}
	metrics.RecordRunStarted(mode)

	if params.Resume {
		if err := e.loadResumeState(ctx, run); err != nil {
			return nil, err
		}
		logger.Info("run resumed", "next_step_index", run.next)
	} else {
		if err := e.recordRunStart(ctx, params); err != nil {
			return nil, err
		}
		logger.Info("run started", "steps", len(order), "seed", params.Seed)
	}

	status := e.runSteps(ctx, run, logger)
	return e.finish(ctx, run, status, logger)
}

// runState is the mutable state of one run, owned by the driver
// goroutine.
type runState struct {
	params  RunParams
	spec    *Spec
	order   []string
	next    int
	outputs map[string]any
	failed  map[string]bool
	result  *Result
}

func (e *Engine) loadResumeState(ctx context.Context, run *runState) error {
	if e.checkpoints == nil {
		return &errors.ValidationError{Field: "resume", Message: "resume requires a checkpoint store"}
	}
	cp, err := e.checkpoints.LoadCheckpoint(ctx, run.params.RunID)
	if err != nil {
		return fmt.Errorf("loading checkpoint for resume: %w", err)
	}
	if cp.Status.Terminal() {
		return &errors.ValidationError{
			Field:   "resume",
			Message: fmt.Sprintf("run %q already reached terminal status %s", run.params.RunID, cp.Status),
		}
	}

	run.next = cp.NextStepIndex
	if cp.StepOutputs != nil {
		run.outputs = cp.StepOutputs
	}
	run.result.SpentMinor = cp.SpentMinor
	if e.enforcer != nil {
		e.enforcer.SeedSpend(run.params.RunID, cp.SpentMinor)
	}
	return nil
}

func (e *Engine) recordRunStart(ctx context.Context, params RunParams) error {
	if e.recorder == nil {
		return nil
	}
	return e.recorder.RecordRunStart(ctx, params.RunID, params.Spec.ID, params.Seed, params.Replay)
}

// runSteps drives the schedule from run.next to completion and returns
// the terminal status.
func (e *Engine) runSteps(ctx context.Context, run *runState, logger *slog.Logger) RunStatus {
	for ; run.next < len(run.order); run.next++ {
		if run.params.Cancelled != nil && run.params.Cancelled() {
			logger.Warn("run cancelled")
			return RunCancelled
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("run deadline or context expired", "error", err)
			return RunFailed
		}

		step := run.spec.Step(run.order[run.next])
		status, terminal := e.runStep(ctx, run, step, logger)
		if terminal {
			return status
		}
	}
	return RunCompleted
}

// runStep executes one step including retries and error-mode handling.
// terminal is true when the run must stop with the returned status.
func (e *Engine) runStep(ctx context.Context, run *runState, step *Step, logger *slog.Logger) (RunStatus, bool) {
	stepLogger := log.WithStep(logger, step.ID, step.SkillID)
	stepSeed := StepSeed(run.params.Seed, run.next)

	ok, err := e.conditions.Evaluate(step.Condition, run.outputs)
	if err != nil {
		run.result.Steps[step.ID] = failedStep(err)
		return e.failStep(ctx, run, step, stepSeed, err, stepLogger)
	}
	if !ok {
		// Never attempted: no golden event, deterministic either way
		// since the condition sees only prior outputs.
		stepLogger.Info("step skipped by condition")
		run.result.Steps[step.ID] = &StepResult{Skipped: true}
		return RunCompleted, false
	}

	reg, err := e.registry.Get(step.SkillID)
	if err != nil {
		run.result.Steps[step.ID] = failedStep(err)
		return e.failStep(ctx, run, step, stepSeed, err, stepLogger)
	}

	inputs, err := ResolveInputs(step.ID, step.Inputs, run.outputs)
	if err != nil {
		stepLogger.Error("reference resolution failed", "error", err)
		run.result.Steps[step.ID] = failedStep(err)
		return e.failStep(ctx, run, step, stepSeed, err, stepLogger)
	}

	if err := e.checkNullInputs(run, step, reg.Meta, inputs); err != nil {
		stepLogger.Warn("null input from failed upstream step", "error", err)
		run.result.Steps[step.ID] = failedStep(err)
		return e.failStep(ctx, run, step, stepSeed, err, stepLogger)
	}

	// Denied steps leave no golden step event: nothing was attempted.
	if decision, denied := e.checkPolicy(ctx, run, step, reg.Meta); denied {
		stepLogger.Warn("policy denied step", "kind", decision.Kind, "reason", decision.Reason)
		metrics.RecordPolicyDenial(string(decision.Kind))
		run.result.Steps[step.ID] = failedStep(decision.Err())
		if decision.Kind.IsBudgetKind() {
			return RunBudgetExceeded, true
		}
		return RunPolicyViolation, true
	}

	start := time.Now()
	res, retries, err := e.invokeWithRetries(ctx, run, step, stepSeed, inputs, stepLogger)
	elapsed := time.Since(start)
	if err != nil {
		run.result.Steps[step.ID] = &StepResult{
			RetriesUsed: retries,
			ErrorKind:   errors.ErrorKind(err),
			Err:         err,
		}
		return e.failStep(ctx, run, step, stepSeed, err, stepLogger)
	}

	return e.commitStep(ctx, run, step, stepSeed, res, retries, elapsed, stepLogger)
}

// failStep records the attempted step with a null output and applies
// the step's error mode. Failures are deterministic for deterministic
// skills, so the event keeps replay comparison aligned.
func (e *Engine) failStep(ctx context.Context, run *runState, step *Step, stepSeed uint64, err error, logger *slog.Logger) (RunStatus, bool) {
	if e.recorder != nil {
		if rerr := e.recorder.RecordStep(ctx, run.params.RunID, run.next, step.ID, stepSeed, nil, 0); rerr != nil {
			logger.Error("golden step append failed", "error", rerr)
			return RunFailed, true
		}
	}
	return e.applyErrorMode(run, step, err, logger)
}

func failedStep(err error) *StepResult {
	return &StepResult{ErrorKind: errors.ErrorKind(err), Err: err}
}

// checkNullInputs fails the step when a reference resolved to null
// because its producer failed under error_mode continue and the skill
// does not declare the receiving input null-tolerant.
func (e *Engine) checkNullInputs(run *runState, step *Step, meta skill.Metadata, inputs map[string]any) error {
	if len(run.failed) == 0 {
		return nil
	}

	tolerant := make(map[string]bool, len(meta.NullTolerantInputs))
	for _, name := range meta.NullTolerantInputs {
		tolerant[name] = true
	}

	for key, raw := range step.Inputs {
		str, isStr := raw.(string)
		if !isStr {
			continue
		}
		ref, isRef, err := ParseRef(str)
		if err != nil || !isRef {
			continue
		}
		if run.failed[ref.StepID] && inputs[key] == nil && !tolerant[key] {
			return &errors.SkillError{
				SkillID: step.SkillID,
				Kind:    errors.KindPermanent,
				Message: fmt.Sprintf("input %q is null because step %q failed", key, ref.StepID),
			}
		}
	}
	return nil
}

func (e *Engine) checkPolicy(ctx context.Context, run *runState, step *Step, meta skill.Metadata) (policy.Decision, bool) {
	if e.enforcer == nil {
		return policy.Allow, false
	}
	decision := e.enforcer.CheckCanExecute(ctx, policy.CheckRequest{
		RunID:                run.params.RunID,
		StepID:               step.ID,
		SkillID:              step.SkillID,
		EstimatedCostMinor:   step.EstimatedCostMinor,
		WorkflowCeilingMinor: run.spec.BudgetCeilingMinor,
		SideEffecting:        meta.SideEffecting,
		IdempotencyKey:       step.IdempotencyKey,
		AgentID:              run.params.AgentID,
	})
	return decision, !decision.Allowed
}

// invokeWithRetries runs the skill up to 1+MaxRetries times with
// seeded exponential backoff between retryable failures.
func (e *Engine) invokeWithRetries(ctx context.Context, run *runState, step *Step, stepSeed uint64, inputs map[string]any, logger *slog.Logger) (*skill.Result, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, attempt, err
			}
		}

		// Each attempt's span is a sibling under the run span, not a
		// child of the previous attempt's already-ended span.
		attemptCtx, span := e.tracer.Start(ctx, "workflow.step",
			trace.WithAttributes(
				attribute.String("step_id", step.ID),
				attribute.String("skill_id", step.SkillID),
				attribute.Int("attempt", attempt),
			))
		start := time.Now()
		res, err := e.registry.Invoke(attemptCtx, step.SkillID, inputs, stepSeed)
		metrics.ObserveStepDuration(step.SkillID, time.Since(start).Seconds())
		span.End()

		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		if attempt >= step.MaxRetries || !errors.IsRetryable(err) {
			return nil, attempt, lastErr
		}

		metrics.RecordStepRetry(step.SkillID, errors.ErrorKind(err))
		delay := backoffDelay(step.RetryBackoffBaseMS, stepSeed, attempt)
		logger.Warn("step failed, retrying",
			"attempt", attempt+1, "max_retries", step.MaxRetries,
			"delay_ms", delay.Milliseconds(), "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, attempt, lastErr
		}
	}
}

// backoffDelay is base * 2^attempt plus jitter drawn from the step
// seed, so replayed runs wait identically.
func backoffDelay(baseMS int64, stepSeed uint64, attempt int) time.Duration {
	if baseMS <= 0 {
		baseMS = 100
	}
	backoff := float64(baseMS) * float64(int64(1)<<uint(attempt))
	jitter := seededJitter(stepSeed, attempt)
	return time.Duration(backoff * (1 + jitter) * float64(time.Millisecond))
}

// commitStep records spend, appends the golden step event, persists
// the checkpoint, and stores the output for downstream references.
func (e *Engine) commitStep(ctx context.Context, run *runState, step *Step, stepSeed uint64, res *skill.Result, retries int, elapsed time.Duration, logger *slog.Logger) (RunStatus, bool) {
	if e.enforcer != nil {
		e.enforcer.RecordSpend(run.params.RunID, res.CostMinor)
	}
	run.result.SpentMinor += res.CostMinor

	var output map[string]any
	if res != nil {
		output = res.Output
	}
	run.outputs[step.ID] = output

	if e.recorder != nil {
		if err := e.recorder.RecordStep(ctx, run.params.RunID, run.next, step.ID, stepSeed, output, elapsed); err != nil {
			logger.Error("golden step append failed", "error", err)
			run.result.Steps[step.ID] = failedStep(err)
			return RunFailed, true
		}
	}

	if err := e.saveCheckpoint(ctx, run, run.next+1, store.StatusRunning); err != nil {
		logger.Error("checkpoint save failed", "error", err)
		run.result.Steps[step.ID] = failedStep(err)
		return RunFailed, true
	}

	run.result.Steps[step.ID] = &StepResult{
		Success:     true,
		Output:      output,
		CostMinor:   res.CostMinor,
		RetriesUsed: retries,
	}
	logger.Debug("step completed", "cost_minor", res.CostMinor, "retries_used", retries)
	return RunCompleted, false
}

// applyErrorMode decides what a step's final failure means for the
// run.
func (e *Engine) applyErrorMode(run *runState, step *Step, err error, logger *slog.Logger) (RunStatus, bool) {
	mode := step.ErrorMode
	if mode == "" {
		mode = ErrorModeAbort
	}

	switch mode {
	case ErrorModeContinue:
		// Dependents see a null output; whether they run is decided by
		// their skill's null tolerance.
		run.outputs[step.ID] = nil
		run.failed[step.ID] = true
		logger.Warn("step failed, continuing with null output", "error", err)
		return RunCompleted, false
	case ErrorModeSkip:
		// No output: dependents fail reference resolution.
		logger.Warn("step failed, skipped", "error", err)
		run.result.Steps[step.ID].Skipped = true
		return RunCompleted, false
	default:
		logger.Error("step failed, aborting run", "error", err)
		return RunFailed, true
	}
}

// finish writes the run_end event and the terminal checkpoint, and
// releases the run's budget accumulator.
func (e *Engine) finish(ctx context.Context, run *runState, status RunStatus, logger *slog.Logger) (*Result, error) {
	run.result.Status = status

	// A pause keeps the record open: the resumed run appends its step
	// events before the eventual run_end.
	paused := status == RunCancelled && !run.params.CancelTerminal

	if e.recorder != nil && !paused {
		if err := e.recorder.RecordRunEnd(ctx, run.params.RunID, string(status)); err != nil {
			return nil, fmt.Errorf("recording run_end: %w", err)
		}
		if err := e.recorder.Sign(ctx, run.params.RunID); err != nil {
			return nil, fmt.Errorf("signing golden record: %w", err)
		}
	}

	if err := e.saveCheckpoint(ctx, run, run.next, checkpointStatus(status, run.params.CancelTerminal)); err != nil {
		return nil, fmt.Errorf("saving terminal checkpoint: %w", err)
	}

	if e.enforcer != nil && !paused {
		e.enforcer.Release(run.params.RunID)
	}

	metrics.RecordRunCompleted(string(status))
	logger.Info("run finished", "status", status, "spent_minor", run.result.SpentMinor)
	return run.result, nil
}

func checkpointStatus(status RunStatus, cancelTerminal bool) store.Status {
	switch status {
	case RunCompleted:
		return store.StatusCompleted
	case RunCancelled:
		if cancelTerminal {
			return store.StatusCancelled
		}
		return store.StatusPaused
	default:
		return store.StatusFailed
	}
}

func (e *Engine) saveCheckpoint(ctx context.Context, run *runState, nextIndex int, status store.Status) error {
	if e.checkpoints == nil {
		return nil
	}
	start := time.Now()
	err := e.checkpoints.SaveCheckpoint(ctx, &store.Checkpoint{
		RunID:         run.params.RunID,
		WorkflowID:    run.spec.ID,
		NextStepIndex: nextIndex,
		StepOutputs:   run.outputs,
		Status:        status,
		SpentMinor:    run.result.SpentMinor,
	})
	metrics.ObserveCheckpointSave(time.Since(start).Seconds())
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
