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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
)

func TestConditionEvaluator(t *testing.T) {
	eval := newConditionEvaluator()
	outputs := map[string]any{
		"fetch": map[string]any{"code": 200, "ok": true},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty is true", "", true},
		{"comparison true", "steps.fetch.code == 200", true},
		{"comparison false", "steps.fetch.code >= 500", false},
		{"boolean field", "steps.fetch.ok", true},
		{"compound", "steps.fetch.ok && steps.fetch.code < 300", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expr, outputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_CompileError(t *testing.T) {
	eval := newConditionEvaluator()

	_, err := eval.Evaluate("steps.fetch.code ==", nil)
	require.Error(t, err)

	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "condition", verr.Field)
}

func TestConditionEvaluator_CachesPrograms(t *testing.T) {
	eval := newConditionEvaluator()
	outputs := map[string]any{"a": map[string]any{"v": 1}}

	for i := 0; i < 3; i++ {
		got, err := eval.Evaluate("steps.a.v == 1", outputs)
		require.NoError(t, err)
		assert.True(t, got)
	}
	assert.Len(t, eval.cache, 1)
}
