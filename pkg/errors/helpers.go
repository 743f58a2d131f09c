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

package errors

import (
	"errors"
	"fmt"
)

// IsRetryable reports whether the step that produced err may be retried.
// Reference and schema errors are never retryable; skill errors are
// retryable only for the transient kinds. Policy denials, cancellation,
// and claim loss are terminal by definition.
func IsRetryable(err error) bool {
	var skillErr *SkillError
	if errors.As(err, &skillErr) {
		switch skillErr.Kind {
		case KindTransient, KindTimeout, KindRateLimited, KindUpstreamUnavailable:
			return true
		}
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		// A step-level timeout may succeed on retry; the workflow deadline
		// is enforced separately by the engine.
		return true
	}

	return false
}

// ErrorKind returns the bounded-cardinality label used for metrics and
// per-step results. Unknown errors map to "internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	// Skill errors win over whatever they wrap: a skill timeout is
	// reported as skill_timeout, not timeout.
	var skillErr *SkillError
	if errors.As(err, &skillErr) {
		return "skill_" + string(skillErr.Kind)
	}

	switch {
	case Matches[*ReferenceError](err):
		return "reference"
	case Matches[*SchemaError](err):
		return "schema"
	case Matches[*BudgetExceededError](err):
		return "budget_exceeded"
	case Matches[*PolicyDenyError](err):
		return "policy_deny"
	case Matches[*TamperError](err):
		return "tamper"
	case Matches[*ClaimLostError](err):
		return "claim_lost"
	case Matches[*TimeoutError](err):
		return "timeout"
	case Matches[*CancelledError](err):
		return "cancelled"
	case Matches[*ValidationError](err):
		return "validation"
	}
	return "internal"
}

// Matches reports whether err's tree contains an error of type T.
func Matches[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Wrap creates a new error that wraps err with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps err with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree matching target's type.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}
