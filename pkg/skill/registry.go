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

// Package skill provides the registry of invokable skills and their
// execution metadata. Concrete external skills (HTTP, LLM, DB) are
// registered by the embedding application; this package ships only the
// deterministic builtins used by tests and replay.
package skill

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/baton/pkg/errors"
)

// FieldType is a coarse schema type for skill input validation.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// Schema maps input or output field names to their expected types.
// A nil schema accepts anything.
type Schema map[string]FieldType

// Validate checks values against the schema. Unknown fields pass;
// declared fields must be present (unless null-tolerant) and well-typed.
func (s Schema) Validate(skillID string, values map[string]any, nullTolerant map[string]bool) error {
	for field, want := range s {
		val, ok := values[field]
		if !ok || val == nil {
			if nullTolerant[field] {
				continue
			}
			return &errors.SchemaError{SkillID: skillID, Field: field, Message: "required field missing"}
		}
		if !typeMatches(want, val) {
			return &errors.SchemaError{
				SkillID: skillID,
				Field:   field,
				Message: fmt.Sprintf("expected %s, got %T", want, val),
			}
		}
	}
	return nil
}

func typeMatches(want FieldType, val any) bool {
	switch want {
	case TypeAny:
		return true
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeNumber:
		switch val.(type) {
		case int, int32, int64, float32, float64, uint, uint32, uint64:
			return true
		}
		return false
	case TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case TypeArray:
		_, ok := val.([]any)
		return ok
	}
	return false
}

// Metadata describes a registered skill.
type Metadata struct {
	// ID is the unique skill identifier, e.g. "echo" or "transform.jq".
	ID string

	// Version is the skill implementation version.
	Version string

	// InputSchema and OutputSchema constrain invocation payloads.
	InputSchema  Schema
	OutputSchema Schema

	// SideEffecting marks skills whose invocation changes state outside
	// the workflow. Side-effecting skills require an idempotency key.
	SideEffecting bool

	// RetryableErrors lists the error kinds this skill may recover from.
	RetryableErrors []errors.SkillErrorKind

	// NullTolerantInputs names inputs that may receive null when an
	// upstream step failed under error_mode continue.
	NullTolerantInputs []string
}

// nullTolerantSet returns the null-tolerant inputs as a lookup set.
func (m Metadata) nullTolerantSet() map[string]bool {
	set := make(map[string]bool, len(m.NullTolerantInputs))
	for _, name := range m.NullTolerantInputs {
		set[name] = true
	}
	return set
}

// Result is the raw outcome of one skill invocation.
type Result struct {
	// Output is the skill's structured output.
	Output map[string]any

	// CostMinor is the actual cost in the minor currency unit.
	CostMinor int64
}

// Skill executes one invocation. The seed is derived per step and must
// be the only source of randomness so that replay is deterministic.
type Skill interface {
	Invoke(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error)
}

// SkillFunc adapts a function to the Skill interface.
type SkillFunc func(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error)

// Invoke implements Skill.
func (f SkillFunc) Invoke(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
	return f(ctx, inputs, seed)
}

// Registration pairs a skill with its metadata.
type Registration struct {
	Meta  Metadata
	Skill Skill
}

// Registry holds registered skills. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]*Registration)}
}

// Register adds a skill. Re-registering an id is an error; skills are
// process-scoped and their identity must be stable for replay.
func (r *Registry) Register(meta Metadata, s Skill) error {
	if meta.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "skill id must not be empty"}
	}
	if s == nil {
		return &errors.ValidationError{Field: meta.ID, Message: "skill implementation must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[meta.ID]; exists {
		return &errors.ValidationError{Field: meta.ID, Message: "skill already registered"}
	}
	r.skills[meta.ID] = &Registration{Meta: meta, Skill: s}
	return nil
}

// Get returns the registration for id. Unknown skills are a schema
// error: the plan references something that does not exist.
func (r *Registry) Get(id string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.skills[id]
	if !ok {
		return nil, &errors.SchemaError{SkillID: id, Message: "skill not registered"}
	}
	return reg, nil
}

// Invoke validates inputs against the skill's schema and executes it.
func (r *Registry) Invoke(ctx context.Context, id string, inputs map[string]any, seed uint64) (*Result, error) {
	reg, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	if err := reg.Meta.InputSchema.Validate(id, inputs, reg.Meta.nullTolerantSet()); err != nil {
		return nil, err
	}

	res, err := reg.Skill.Invoke(ctx, inputs, seed)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &errors.SkillError{SkillID: id, Kind: errors.KindMalformedResponse, Message: "skill returned no result and no error"}
	}

	if err := reg.Meta.OutputSchema.Validate(id, res.Output, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// List returns the ids of all registered skills.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.skills))
	for id := range r.skills {
		ids = append(ids, id)
	}
	return ids
}
