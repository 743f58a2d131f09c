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

// Package policy enforces execution constraints on workflow steps:
// emergency stop, per-step and per-workflow cost ceilings, idempotency
// requirements for side-effecting skills, and delegated agent budgets.
// Checks run in a fixed order; the first failing check wins.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/baton/pkg/errors"
)

// AgentBudget is the external budget tracker consulted for agent-scoped
// spend limits. Implementations may be backed by a remote ledger.
type AgentBudget interface {
	// CheckBudget reports whether agentID may spend estimatedMinor more.
	// A non-nil error denies the step with kind agent_budget_exceeded.
	CheckBudget(ctx context.Context, agentID string, estimatedMinor int64) error
}

// CheckRequest carries everything the enforcer needs to judge one step.
type CheckRequest struct {
	RunID   string
	StepID  string
	SkillID string

	// EstimatedCostMinor is the step's declared cost estimate.
	EstimatedCostMinor int64

	// WorkflowCeilingMinor is the run's total budget; zero means no
	// workflow ceiling.
	WorkflowCeilingMinor int64

	// SideEffecting marks steps invoking side-effecting skills.
	SideEffecting bool

	// IdempotencyKey is the caller-provided at-most-once token.
	IdempotencyKey string

	// AgentID scopes the delegated budget check; empty skips it.
	AgentID string
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Kind    errors.DenyKind
	Reason  string
}

// Allow is the affirmative decision.
var Allow = Decision{Allowed: true}

func deny(kind errors.DenyKind, format string, args ...any) Decision {
	return Decision{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial to the corresponding error value. Ceiling kinds
// map to *errors.BudgetExceededError, everything else to
// *errors.PolicyDenyError. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Kind.IsBudgetKind() {
		return &errors.BudgetExceededError{
			PolicyDenyError: errors.PolicyDenyError{Kind: d.Kind, Reason: d.Reason},
		}
	}
	return &errors.PolicyDenyError{Kind: d.Kind, Reason: d.Reason}
}

// Enforcer holds per-run budget accumulators and applies the ordered
// policy checks. One enforcer serves all runs of an engine instance;
// accumulator reads snapshot under the mutex so external observers see
// consistent values.
type Enforcer struct {
	mu    sync.Mutex
	spent map[string]int64

	stop             *EmergencyStop
	stepCeilingMinor int64
	agentBudget      AgentBudget
}

// Config configures an Enforcer.
type Config struct {
	// Stop is the emergency stop toggle. Nil disables the check.
	Stop *EmergencyStop

	// StepCeilingMinor caps any single step's estimated cost; zero
	// disables the per-step ceiling.
	StepCeilingMinor int64

	// AgentBudget delegates agent-scoped checks; nil skips them.
	AgentBudget AgentBudget
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(cfg Config) *Enforcer {
	return &Enforcer{
		spent:            make(map[string]int64),
		stop:             cfg.Stop,
		stepCeilingMinor: cfg.StepCeilingMinor,
		agentBudget:      cfg.AgentBudget,
	}
}

// CheckCanExecute applies the checks in order: emergency stop, step
// ceiling, workflow ceiling, idempotency, agent budget.
func (e *Enforcer) CheckCanExecute(ctx context.Context, req CheckRequest) Decision {
	if e.stop != nil && e.stop.Engaged() {
		return deny(errors.DenyEmergencyStop, "emergency stop engaged")
	}

	if e.stepCeilingMinor > 0 && req.EstimatedCostMinor > e.stepCeilingMinor {
		return deny(errors.DenyStepCeiling,
			"step %q estimated cost %d exceeds step ceiling %d",
			req.StepID, req.EstimatedCostMinor, e.stepCeilingMinor)
	}

	if req.WorkflowCeilingMinor > 0 {
		e.mu.Lock()
		accumulated := e.spent[req.RunID]
		e.mu.Unlock()
		if accumulated+req.EstimatedCostMinor > req.WorkflowCeilingMinor {
			return deny(errors.DenyWorkflowCeiling,
				"accumulated cost %d plus step %q estimate %d exceeds workflow ceiling %d",
				accumulated, req.StepID, req.EstimatedCostMinor, req.WorkflowCeilingMinor)
		}
	}

	if req.SideEffecting && req.IdempotencyKey == "" {
		return deny(errors.DenyIdempotencyMissing,
			"side-effecting skill %q requires a non-empty idempotency_key", req.SkillID)
	}

	if e.agentBudget != nil && req.AgentID != "" {
		if err := e.agentBudget.CheckBudget(ctx, req.AgentID, req.EstimatedCostMinor); err != nil {
			return deny(errors.DenyAgentBudgetExceeded,
				"agent %q budget check failed: %v", req.AgentID, err)
		}
	}

	return Allow
}

// RecordSpend commits a step's actual cost against the run accumulator.
func (e *Enforcer) RecordSpend(runID string, actualMinor int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spent[runID] += actualMinor
}

// Spent returns the committed spend for a run.
func (e *Enforcer) Spent(runID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spent[runID]
}

// SeedSpend primes a run's accumulator, used when resuming from a
// checkpoint so the ceiling covers spend committed before the crash.
func (e *Enforcer) SeedSpend(runID string, minor int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spent[runID] = minor
}

// Release drops a run's accumulator after the run reaches a terminal
// state.
func (e *Enforcer) Release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.spent, runID)
}
