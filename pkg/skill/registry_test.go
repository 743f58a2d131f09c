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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
)

func TestRegistry_UnknownSkillIsSchemaError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "nonexistent", nil, 0)

	var schemaErr *errors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "nonexistent", schemaErr.SkillID)
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()
	meta := Metadata{ID: "dup"}
	noop := SkillFunc(func(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
		return &Result{Output: map[string]any{}}, nil
	})

	require.NoError(t, r.Register(meta, noop))
	err := r.Register(meta, noop)
	var verr *errors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRegistry_InputSchemaEnforced(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Metadata{
		ID:          "typed",
		InputSchema: Schema{"name": TypeString, "count": TypeNumber},
	}, SkillFunc(func(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
		return &Result{Output: map[string]any{}}, nil
	})))

	ctx := context.Background()

	_, err := r.Invoke(ctx, "typed", map[string]any{"name": "x", "count": 3}, 0)
	assert.NoError(t, err)

	_, err = r.Invoke(ctx, "typed", map[string]any{"name": 42, "count": 3}, 0)
	var schemaErr *errors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "name", schemaErr.Field)

	_, err = r.Invoke(ctx, "typed", map[string]any{"name": "x"}, 0)
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "count", schemaErr.Field)
}

func TestRegistry_NullTolerantInputMaySkip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Metadata{
		ID:                 "tolerant",
		InputSchema:        Schema{"value": TypeString},
		NullTolerantInputs: []string{"value"},
	}, SkillFunc(func(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
		return &Result{Output: map[string]any{"got_nil": inputs["value"] == nil}}, nil
	})))

	res, err := r.Invoke(context.Background(), "tolerant", map[string]any{"value": nil}, 0)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["got_nil"])
}

func TestRegistry_NilResultIsMalformed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Metadata{ID: "broken"}, SkillFunc(
		func(ctx context.Context, inputs map[string]any, seed uint64) (*Result, error) {
			return nil, nil
		})))

	_, err := r.Invoke(context.Background(), "broken", nil, 0)
	var skillErr *errors.SkillError
	require.ErrorAs(t, err, &skillErr)
	assert.Equal(t, errors.KindMalformedResponse, skillErr.Kind)
}

func TestEchoSkill(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	res, err := r.Invoke(context.Background(), SkillEcho, map[string]any{"v": 1, "s": "hi"}, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["v"])
	assert.Equal(t, "hi", res.Output["s"])
	assert.Equal(t, int64(0), res.CostMinor)
}

func TestJQSkill(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	ctx := context.Background()

	t.Run("single output", func(t *testing.T) {
		res, err := r.Invoke(ctx, SkillTransformJQ, map[string]any{
			"query": ".items | length",
			"input": map[string]any{"items": []any{1, 2, 3}},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Output["result"])
	})

	t.Run("multiple outputs collected", func(t *testing.T) {
		res, err := r.Invoke(ctx, SkillTransformJQ, map[string]any{
			"query": ".items[]",
			"input": map[string]any{"items": []any{"a", "b"}},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, res.Output["results"])
	})

	t.Run("invalid query is permanent", func(t *testing.T) {
		_, err := r.Invoke(ctx, SkillTransformJQ, map[string]any{
			"query": ".[unterminated",
			"input": nil,
		}, 0)
		var skillErr *errors.SkillError
		require.ErrorAs(t, err, &skillErr)
		assert.Equal(t, errors.KindPermanent, skillErr.Kind)
		assert.False(t, errors.IsRetryable(err))
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		in := map[string]any{"query": "{out: (.a + .b)}", "input": map[string]any{"a": 1, "b": 2}}
		res1, err := r.Invoke(ctx, SkillTransformJQ, in, 7)
		require.NoError(t, err)
		res2, err := r.Invoke(ctx, SkillTransformJQ, in, 7)
		require.NoError(t, err)
		assert.Equal(t, res1.Output, res2.Output)
	})
}
