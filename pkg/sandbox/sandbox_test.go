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

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/workflow"
)

func specWithSteps(steps ...workflow.Step) *workflow.Spec {
	return &workflow.Spec{ID: "test", Steps: steps}
}

func TestValidate_CleanPlanPasses(t *testing.T) {
	report := Validate(specWithSteps(
		workflow.Step{ID: "fetch", SkillID: "http.fetch", Inputs: map[string]any{
			"url": "https://example.com/api", "method": "GET",
		}},
		workflow.Step{ID: "shape", SkillID: "transform.jq", DependsOn: []string{"fetch"}, Inputs: map[string]any{
			"query": ".body",
			"input": "${fetch}",
		}},
	))

	assert.True(t, report.Valid)
	assert.Empty(t, report.Violations)
}

func TestValidate_ForbiddenSkills(t *testing.T) {
	for _, id := range []string{
		"shell.exec", "os.command", "db.drop", "fs.delete",
		"net.raw", "code.eval", "sys.syscall",
		// Underscore spelling names the same capability.
		"shell_exec", "os_command", "db_drop", "fs_delete",
	} {
		report := Validate(specWithSteps(workflow.Step{ID: "s", SkillID: id}))
		assert.False(t, report.Valid, "skill %q should be denied", id)
		require.Len(t, report.Violations, 1)
		assert.Contains(t, report.Violations[0], id)
	}

	// Whole-id match only: a prefix collision is not a denial.
	report := Validate(specWithSteps(workflow.Step{ID: "s", SkillID: "shell.execute"}))
	assert.True(t, report.Valid)
}

func TestValidate_WriteSkillUnderscoreSpelling(t *testing.T) {
	report := Validate(specWithSteps(workflow.Step{
		ID: "w", SkillID: "db_write", Inputs: map[string]any{"row": "x"},
	}))
	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0], "idempotency_key")
}

func TestValidate_InjectionPatterns(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool // want a violation
	}{
		{"shell rm", "innocent; rm -rf /tmp/x", true},
		{"shell pipe cat", "data | cat /etc/passwd", true},
		{"sql drop", "x'; DROP TABLE users; --", true},
		{"sql tautology", `name=" OR "1"="1`, true},
		{"path traversal repeated", "../../etc/shadow", true},
		{"single parent dir ok", "../sibling/file.txt", false},
		{"template braces", "hello {{.secret}}", true},
		{"dollar template", "prefix ${injected} suffix", true},
		{"plain literal", "hello world", false},
		{"url literal", "https://example.com/path?q=1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Validate(specWithSteps(workflow.Step{
				ID: "s", SkillID: "echo",
				Inputs: map[string]any{"v": tt.value},
			}))
			if tt.want {
				assert.False(t, report.Valid, "value %q should be rejected", tt.value)
				assert.NotEmpty(t, report.Violations)
			} else {
				assert.True(t, report.Valid, "value %q should pass: %v", tt.value, report.Violations)
			}
		})
	}
}

func TestValidate_ReferenceSyntaxIsNotInjection(t *testing.T) {
	report := Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "echo",
		Inputs: map[string]any{
			"whole": "${prev}",
			"path":  "${prev.result.value}",
		},
	}))
	assert.True(t, report.Valid, "violations: %v", report.Violations)
}

func TestValidate_NestedInputsScanned(t *testing.T) {
	report := Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "echo",
		Inputs: map[string]any{
			"outer": map[string]any{
				"list": []any{"fine", "bad; rm -rf ."},
			},
		},
	}))

	assert.False(t, report.Valid)
	require.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0], "outer.list[1]")
}

func TestValidate_IdempotencyForHTTPWrites(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "DELETE", "post"} {
		report := Validate(specWithSteps(workflow.Step{
			ID: "s", SkillID: "http.request",
			Inputs: map[string]any{"url": "https://example.com", "method": method},
		}))
		assert.False(t, report.Valid, "method %s without key should be rejected", method)
	}

	// GET does not need a key.
	report := Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "http.request",
		Inputs: map[string]any{"url": "https://example.com", "method": "GET"},
	}))
	assert.True(t, report.Valid)

	// Key on the step descriptor satisfies the rule.
	report = Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "http.request", IdempotencyKey: "order-1",
		Inputs: map[string]any{"url": "https://example.com", "method": "POST"},
	}))
	assert.True(t, report.Valid)

	// Key in inputs also satisfies it.
	report = Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "http.request",
		Inputs: map[string]any{"url": "https://example.com", "method": "POST", "idempotency_key": "order-1"},
	}))
	assert.True(t, report.Valid)
}

func TestValidate_IdempotencyForWriteSkills(t *testing.T) {
	for _, id := range []string{"db.insert", "db.update", "db.write", "fs.write", "fs.append"} {
		report := Validate(specWithSteps(workflow.Step{ID: "s", SkillID: id}))
		assert.False(t, report.Valid, "write skill %q without key should be rejected", id)
	}

	report := Validate(specWithSteps(workflow.Step{
		ID: "s", SkillID: "fs.write", IdempotencyKey: "write-once",
		Inputs: map[string]any{"path": "out/data.json"},
	}))
	assert.True(t, report.Valid)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	report := Validate(specWithSteps(
		workflow.Step{ID: "a", SkillID: "shell.exec"},
		workflow.Step{ID: "b", SkillID: "echo", Inputs: map[string]any{"v": "x'; DROP TABLE t"}},
		workflow.Step{ID: "c", SkillID: "db.insert"},
	))

	assert.False(t, report.Valid)
	assert.Len(t, report.Violations, 3)
}
