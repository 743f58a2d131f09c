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

// Package errors defines the failure taxonomy for workflow execution.
// Every failure surfaced by the engine, the scheduler, or the golden
// recorder is one of the types in this package, so callers can classify
// errors with errors.As instead of string matching.
package errors

import (
	"fmt"
	"time"
)

// SkillErrorKind classifies failures originating in skill invocations.
type SkillErrorKind string

const (
	KindTransient           SkillErrorKind = "transient"
	KindPermanent           SkillErrorKind = "permanent"
	KindTimeout             SkillErrorKind = "timeout"
	KindRateLimited         SkillErrorKind = "rate_limited"
	KindUpstreamUnavailable SkillErrorKind = "upstream_unavailable"
	KindAuthn               SkillErrorKind = "authn"
	KindAuthz               SkillErrorKind = "authz"
	KindMalformedResponse   SkillErrorKind = "malformed_response"
	KindQuota               SkillErrorKind = "quota"
)

// DenyKind classifies policy denials.
type DenyKind string

const (
	DenyEmergencyStop       DenyKind = "emergency_stop"
	DenyStepCeiling         DenyKind = "step_ceiling"
	DenyWorkflowCeiling     DenyKind = "workflow_ceiling"
	DenyIdempotencyMissing  DenyKind = "idempotency_missing"
	DenyAgentBudgetExceeded DenyKind = "agent_budget_exceeded"
)

// IsBudgetKind reports whether a denial kind represents a cost ceiling.
// Ceiling denials terminate a run with status budget_exceeded; every
// other kind terminates with policy_violation.
func (k DenyKind) IsBudgetKind() bool {
	switch k {
	case DenyStepCeiling, DenyWorkflowCeiling, DenyAgentBudgetExceeded:
		return true
	}
	return false
}

// ReferenceError reports an unresolvable ${step_id.path} reference.
// It is raised before the skill is invoked and is never retryable.
type ReferenceError struct {
	// StepID is the step whose inputs contained the reference.
	StepID string

	// Reference is the literal reference text, e.g. "${a.v}".
	Reference string

	// Reason explains why resolution failed.
	Reason string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("step %q: unresolvable reference %s: %s", e.StepID, e.Reference, e.Reason)
}

// SchemaError reports a skill input or output that violates the skill's
// declared schema, or a reference to a skill that does not exist.
type SchemaError struct {
	SkillID string
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("skill %q: schema violation on %s: %s", e.SkillID, e.Field, e.Message)
	}
	return fmt.Sprintf("skill %q: schema violation: %s", e.SkillID, e.Message)
}

// SkillError reports a failure inside a skill invocation.
type SkillError struct {
	SkillID string
	Kind    SkillErrorKind
	Message string
	Cause   error
}

func (e *SkillError) Error() string {
	msg := fmt.Sprintf("skill %q failed (%s): %s", e.SkillID, e.Kind, e.Message)
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SkillError) Unwrap() error {
	return e.Cause
}

// PolicyDenyError reports that the policy enforcer refused a step.
type PolicyDenyError struct {
	Kind   DenyKind
	Reason string
}

func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("policy denied step (%s): %s", e.Kind, e.Reason)
}

// BudgetExceededError is the ceiling special case of a policy denial.
// It embeds PolicyDenyError so errors.As matches either type.
type BudgetExceededError struct {
	PolicyDenyError

	// LimitMinor and AttemptedMinor are in the minor currency unit.
	LimitMinor     int64
	AttemptedMinor int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): %d > %d minor units", e.Kind, e.AttemptedMinor, e.LimitMinor)
}

// Unwrap exposes the embedded denial so errors.As matches either type.
func (e *BudgetExceededError) Unwrap() error {
	return &e.PolicyDenyError
}

// TamperError reports that a golden record failed signature verification.
type TamperError struct {
	RunID string
	Path  string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("golden record for run %q failed verification: %s", e.RunID, e.Path)
}

// ClaimLostError reports a write against a job item whose claim has been
// revoked (the worker missed heartbeats and the item was reclaimed).
type ClaimLostError struct {
	WorkerID string
	ItemID   string
}

func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("worker %q lost claim on item %q", e.WorkerID, e.ItemID)
}

// TimeoutError reports an operation exceeding its deadline: a workflow
// deadline, a step timeout, or an inbox wait.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// CancelledError reports cooperative cancellation observed at a step
// boundary or suspension point.
type CancelledError struct {
	RunID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run %q cancelled", e.RunID)
}

// ValidationError reports a plan rejected by the planner sandbox or a
// spec rejected at load (cycles, duplicate ids, malformed references).
type ValidationError struct {
	// Field identifies what failed validation (step id, spec field).
	Field string

	// Message is the human-readable error description.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
