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
	"fmt"
	"strings"

	"github.com/tombee/baton/pkg/errors"
)

// Ref is a parsed output reference of the form ${step_id} or
// ${step_id.field.path}.
type Ref struct {
	StepID string
	Path   []string
}

// ParseRef parses s as a reference string. ok is false when s is not a
// reference at all (a plain literal). A malformed reference, such as
// "${}" or "${a..b}", returns an error.
func ParseRef(s string) (Ref, bool, error) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return Ref{}, false, nil
	}
	inner := s[2 : len(s)-1]
	if inner == "" {
		return Ref{}, false, fmt.Errorf("empty reference %q", s)
	}

	parts := strings.Split(inner, ".")
	for _, p := range parts {
		if p == "" {
			return Ref{}, false, fmt.Errorf("malformed reference %q", s)
		}
	}
	ref := Ref{StepID: parts[0]}
	if len(parts) > 1 {
		ref.Path = parts[1:]
	}
	return ref, true, nil
}

// ResolveInputs returns a copy of inputs with every reference string
// replaced by the value it names in outputs. Non-string values and
// plain literals pass through unchanged; nested maps and slices are
// walked. An unresolvable reference returns a ReferenceError naming
// the failing step and reference.
func ResolveInputs(stepID string, inputs map[string]any, outputs map[string]any) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		rv, err := resolveValue(stepID, v, outputs)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func resolveValue(stepID string, v any, outputs map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		ref, ok, err := ParseRef(val)
		if err != nil {
			return nil, &errors.ReferenceError{
				StepID:    stepID,
				Reference: val,
				Reason:    err.Error(),
			}
		}
		if !ok {
			return val, nil
		}
		return resolveRef(stepID, val, ref, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			rv, err := resolveValue(stepID, inner, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			rv, err := resolveValue(stepID, inner, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveRef(stepID, raw string, ref Ref, outputs map[string]any) (any, error) {
	cur, ok := outputs[ref.StepID]
	if !ok {
		return nil, &errors.ReferenceError{
			StepID:    stepID,
			Reference: raw,
			Reason:    fmt.Sprintf("no output recorded for step %q", ref.StepID),
		}
	}

	for i, field := range ref.Path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &errors.ReferenceError{
				StepID:    stepID,
				Reference: raw,
				Reason: fmt.Sprintf("path element %q indexes a non-object at %s",
					field, strings.Join(ref.Path[:i], ".")),
			}
		}
		cur, ok = m[field]
		if !ok {
			return nil, &errors.ReferenceError{
				StepID:    stepID,
				Reference: raw,
				Reason:    fmt.Sprintf("field %q not present", field),
			}
		}
	}
	return cur, nil
}
