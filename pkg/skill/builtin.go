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

package skill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/tombee/baton/pkg/errors"
)

// Builtin skill identifiers.
const (
	SkillEcho        = "echo"
	SkillTransformJQ = "transform.jq"
)

// RegisterBuiltins registers the deterministic builtin skills. They are
// pure functions of their inputs and seed, which makes them safe for
// replay verification.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Metadata{
		ID:      SkillEcho,
		Version: "1.0.0",
	}, SkillFunc(echoSkill)); err != nil {
		return err
	}

	return r.Register(Metadata{
		ID:      SkillTransformJQ,
		Version: "1.0.0",
		InputSchema: Schema{
			"query": TypeString,
		},
	}, SkillFunc(jqSkill))
}

// echoSkill returns its inputs unchanged. Zero cost.
func echoSkill(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// jqSkill applies the jq program in "query" to the value in "input" and
// returns {"result": ...}. Multiple jq outputs are collected into an
// array under "results".
func jqSkill(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
	src, _ := inputs["query"].(string)
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, &errors.SkillError{
			SkillID: SkillTransformJQ,
			Kind:    errors.KindPermanent,
			Message: fmt.Sprintf("invalid jq query: %v", err),
			Cause:   err,
		}
	}

	// gojq requires plain JSON values; round-trip typed input.
	input, err := toPlainJSON(inputs["input"])
	if err != nil {
		return nil, &errors.SkillError{
			SkillID: SkillTransformJQ,
			Kind:    errors.KindPermanent,
			Message: fmt.Sprintf("input is not JSON-representable: %v", err),
			Cause:   err,
		}
	}

	var outputs []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, ok := v.(error); ok {
			return nil, &errors.SkillError{
				SkillID: SkillTransformJQ,
				Kind:    errors.KindPermanent,
				Message: fmt.Sprintf("jq evaluation failed: %v", runErr),
				Cause:   runErr,
			}
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return &Result{Output: map[string]any{"result": nil}}, nil
	case 1:
		return &Result{Output: map[string]any{"result": outputs[0]}}, nil
	default:
		return &Result{Output: map[string]any{"results": outputs}}, nil
	}
}

func toPlainJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
