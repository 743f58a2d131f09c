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

// Package workflow implements the deterministic step engine: workflow
// specifications, dependency ordering, reference resolution, per-step
// seed derivation, retries, and the run loop that drives skills through
// policy, checkpointing, and golden recording.
package workflow

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tombee/baton/pkg/canonical"
	"github.com/tombee/baton/pkg/errors"
)

// ErrorMode controls what the engine does after a step exhausts its
// retries.
type ErrorMode string

const (
	// ErrorModeAbort terminates the run; later steps do not execute.
	ErrorModeAbort ErrorMode = "abort"

	// ErrorModeContinue marks the step failed and propagates a null
	// output. Dependents run only if their skill tolerates a null
	// input; otherwise they fail transitively.
	ErrorModeContinue ErrorMode = "continue"

	// ErrorModeSkip marks the step skipped. Dependents that reference
	// its output fail with a ReferenceError.
	ErrorModeSkip ErrorMode = "skip"
)

func (m ErrorMode) valid() bool {
	switch m {
	case ErrorModeAbort, ErrorModeContinue, ErrorModeSkip:
		return true
	}
	return false
}

// Step describes one unit of work in a workflow specification.
type Step struct {
	ID      string         `yaml:"step_id" json:"step_id"`
	SkillID string         `yaml:"skill_id" json:"skill_id"`
	Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// DependsOn lists step ids that must complete before this step.
	// Every entry must name a step declared earlier in the spec.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	MaxRetries         int   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryBackoffBaseMS int64 `yaml:"retry_backoff_base_ms,omitempty" json:"retry_backoff_base_ms,omitempty"`

	// ErrorMode defaults to abort when empty.
	ErrorMode ErrorMode `yaml:"error_mode,omitempty" json:"error_mode,omitempty"`

	// IdempotencyKey is required by policy for side-effecting skills.
	IdempotencyKey string `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`

	// Condition is an optional expression evaluated against completed
	// step outputs; false skips the step without error.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// EstimatedCostMinor is the declared cost estimate checked against
	// budget ceilings before invocation.
	EstimatedCostMinor int64 `yaml:"estimated_cost_minor,omitempty" json:"estimated_cost_minor,omitempty"`
}

// Spec is an immutable workflow description. Two specs are equivalent
// iff their canonical JSON forms are byte-equal.
type Spec struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// BudgetCeilingMinor caps the run's total committed cost; zero
	// means unlimited.
	BudgetCeilingMinor int64 `yaml:"budget_ceiling_minor,omitempty" json:"budget_ceiling_minor,omitempty"`

	// TimeoutMS bounds total run wall time; zero means unlimited.
	TimeoutMS int64 `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// LoadSpec reads and validates a YAML workflow specification.
func LoadSpec(r io.Reader) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading workflow spec: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing workflow spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadSpecFile loads a workflow specification from a file path.
func LoadSpecFile(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening workflow spec: %w", err)
	}
	defer f.Close()
	return LoadSpec(f)
}

// Validate checks structural invariants: non-empty id, unique step ids,
// resolvable dependencies, acyclic dependency graph, valid error modes.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(s.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].step_id", i),
				Message: "step id is required",
			}
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].step_id", i),
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		seen[step.ID] = true

		if step.SkillID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].skill_id", i),
				Message: "skill id is required",
			}
		}
		if step.MaxRetries < 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].max_retries", i),
				Message: "max_retries must be non-negative",
			}
		}
		if step.ErrorMode != "" && !step.ErrorMode.valid() {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].error_mode", i),
				Message: fmt.Sprintf("unknown error mode %q", step.ErrorMode),
			}
		}
	}

	for i, step := range s.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].depends_on", i),
					Message: fmt.Sprintf("step %q depends on undefined step %q", step.ID, dep),
				}
			}
			if dep == step.ID {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps[%d].depends_on", i),
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
				}
			}
		}
	}

	if _, err := s.Order(); err != nil {
		return err
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (s *Spec) Step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Hash returns the 16-hex-character canonical content hash of the spec.
func (s *Spec) Hash() (string, error) {
	return canonical.HashPrefix(s)
}

// Order returns a stable topological schedule of the spec's steps. Ties
// between steps whose dependencies are all satisfied are broken by
// lexicographic step id, so the schedule is a pure function of the spec.
// A dependency cycle returns a ValidationError naming a step on the
// cycle.
func (s *Spec) Order() ([]string, error) {
	indegree := make(map[string]int, len(s.Steps))
	dependents := make(map[string][]string, len(s.Steps))
	for _, step := range s.Steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range s.Steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(s.Steps))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		released := false
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(s.Steps) {
		for _, step := range s.Steps {
			if indegree[step.ID] > 0 {
				return nil, &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("dependency cycle involving step %q", step.ID),
				}
			}
		}
	}
	return order, nil
}
