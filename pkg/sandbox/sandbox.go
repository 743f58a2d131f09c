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

// Package sandbox statically validates untrusted workflow plans before
// the engine will execute them. Validation is pure: no I/O, no clock,
// no network. The report fully determines executability; violations
// block execution, warnings are advisory.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/baton/pkg/workflow"
)

// Report is the outcome of validating one plan.
type Report struct {
	Valid      bool
	Violations []string
	Warnings   []string
}

func (r *Report) violation(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

func (r *Report) warning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// forbiddenSkills is the deny-list. Skill ids are matched with "_"
// and "." separators unified, so shell_exec and shell.exec name the
// same capability. It is part of the security contract: a plan
// referencing any of these never reaches the engine.
var forbiddenSkills = map[string]string{
	"shell.exec":  "shell execution",
	"os.command":  "raw OS command",
	"db.drop":     "database DROP",
	"fs.delete":   "raw filesystem delete",
	"net.raw":     "raw network access",
	"code.eval":   "arbitrary code evaluation",
	"sys.syscall": "raw system call",
}

// injectionPatterns are scanned against every string input value.
// Matches are violations, not warnings: a static validator cannot
// disambiguate a legitimate payload from an attack, so it refuses both.
var injectionPatterns = []struct {
	pattern *regexp.Regexp
	label   string
}{
	{regexp.MustCompile(`;\s*rm\s`), "shell metacharacters in command position"},
	{regexp.MustCompile(`\|\s*cat\s`), "shell pipe to command"},
	{regexp.MustCompile(`(?i)';\s*DROP\s+TABLE`), "SQL injection marker"},
	{regexp.MustCompile(`(?i)"\s*OR\s*"1"\s*=\s*"1`), "SQL tautology injection"},
	{regexp.MustCompile(`(\.\./){2,}`), "repeated path traversal"},
	{regexp.MustCompile(`\{\{`), "template injection"},
}

// writeSkills are side-effecting db/fs skills that require an
// idempotency key.
var writeSkills = map[string]bool{
	"db.insert": true,
	"db.update": true,
	"db.write":  true,
	"fs.write":  true,
	"fs.append": true,
	"fs.copy":   true,
	"fs.move":   true,
}

// httpWriteMethods are the HTTP methods that mutate remote state.
var httpWriteMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// Validate statically checks a plan against the deny-list, the
// injection patterns, and the idempotency rules. The plan itself is
// never mutated.
func Validate(spec *workflow.Spec) *Report {
	report := &Report{}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		checkForbiddenSkill(step, report)
		checkInjection(step, report)
		checkIdempotency(step, report)
	}

	report.Valid = len(report.Violations) == 0
	return report
}

// canonicalSkillID unifies the two separator conventions seen in plan
// sources, so deny-list lookups cannot be dodged by renaming
// shell.exec to shell_exec.
func canonicalSkillID(id string) string {
	return strings.ReplaceAll(id, "_", ".")
}

func checkForbiddenSkill(step *workflow.Step, report *Report) {
	if reason, ok := forbiddenSkills[canonicalSkillID(step.SkillID)]; ok {
		report.violation("step %q: forbidden skill %q (%s)", step.ID, step.SkillID, reason)
	}
}

// checkInjection scans every string value in the step's inputs,
// walking nested maps and arrays.
func checkInjection(step *workflow.Step, report *Report) {
	for key, value := range step.Inputs {
		scanValue(step, key, value, report)
	}
}

func scanValue(step *workflow.Step, path string, value any, report *Report) {
	switch v := value.(type) {
	case string:
		scanString(step, path, v, report)
	case map[string]any:
		for k, inner := range v {
			scanValue(step, path+"."+k, inner, report)
		}
	case []any:
		for i, inner := range v {
			scanValue(step, fmt.Sprintf("%s[%d]", path, i), inner, report)
		}
	}
}

func scanString(step *workflow.Step, path, s string, report *Report) {
	for _, ip := range injectionPatterns {
		if ip.pattern.MatchString(s) {
			report.violation("step %q input %q: %s", step.ID, path, ip.label)
		}
	}

	// ${...} is the engine's reference syntax; a string that IS a
	// well-formed reference is legitimate. Any other use of ${ is
	// template injection.
	if strings.Contains(s, "${") && !isWholeReference(s) {
		report.violation("step %q input %q: template injection (${ outside reference syntax)", step.ID, path)
	}
}

func isWholeReference(s string) bool {
	_, ok, err := workflow.ParseRef(s)
	return ok && err == nil
}

func checkIdempotency(step *workflow.Step, report *Report) {
	if !requiresIdempotencyKey(step) {
		return
	}
	if step.IdempotencyKey != "" {
		return
	}
	if key, ok := step.Inputs["idempotency_key"].(string); ok && key != "" {
		return
	}
	report.violation("step %q: skill %q is side-effecting and requires a non-empty idempotency_key",
		step.ID, step.SkillID)
}

func requiresIdempotencyKey(step *workflow.Step) bool {
	id := canonicalSkillID(step.SkillID)
	if writeSkills[id] {
		return true
	}
	if strings.HasPrefix(id, "http.") {
		method, _ := step.Inputs["method"].(string)
		return httpWriteMethods[strings.ToUpper(method)]
	}
	return false
}
