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
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/baton/pkg/errors"
)

// conditionEvaluator evaluates step condition expressions against the
// accumulated step outputs. Compiled programs are cached; evaluation is
// pure, so caching cannot change results.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the boolean value of expression with `steps` bound
// to the step_id -> output map. An empty expression is true.
func (e *conditionEvaluator) Evaluate(expression string, outputs map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile condition %q: %v", expression, err),
		}
	}

	result, err := expr.Run(program, map[string]any{"steps": outputs})
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q evaluation failed: %v", expression, err),
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q must return boolean, got %T", expression, result),
		}
	}
	return b, nil
}

func (e *conditionEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
