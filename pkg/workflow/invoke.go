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
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/inbox"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/skill"
)

// SubflowResolver maps a workflow id to its loaded spec.
type SubflowResolver func(ctx context.Context, workflowID string) (*Spec, error)

// InvokeConfig configures the workflow.invoke builtin.
type InvokeConfig struct {
	Router  *inbox.Router
	Resolve SubflowResolver

	// DefaultTimeout bounds the wait for the callee's reply when the
	// step does not pass timeout_ms.
	// Default: 30s
	DefaultTimeout time.Duration
}

const defaultInvokeTimeout = 30 * time.Second

// RegisterWorkflowInvoke installs the workflow.invoke skill on the
// engine's registry. The skill starts the named workflow as a child
// run and waits on a single-slot inbox for its reply; the child run
// observes caller timeout or cancellation through the router's
// cancellation flag.
//
// Inputs:
//   - workflow_id: id the resolver understands (required)
//   - timeout_ms:  reply deadline override (optional)
//
// Output:
//   - run_id:  the child run's id
//   - status:  the child run's terminal status
//   - outputs: per-step outputs of the child run
func (e *Engine) RegisterWorkflowInvoke(cfg InvokeConfig) error {
	if cfg.Router == nil {
		return &errors.ValidationError{Field: "router", Message: "inbox router is required"}
	}
	if cfg.Resolve == nil {
		return &errors.ValidationError{Field: "resolve", Message: "subflow resolver is required"}
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	meta := skill.Metadata{
		ID:            "workflow.invoke",
		Version:       "1.0.0",
		SideEffecting: true,
	}
	return e.registry.Register(meta, skill.SkillFunc(func(ctx context.Context, inputs map[string]any, seed uint64) (*skill.Result, error) {
		return e.invokeSubflow(ctx, cfg, timeout, inputs, seed)
	}))
}

func (e *Engine) invokeSubflow(ctx context.Context, cfg InvokeConfig, timeout time.Duration, inputs map[string]any, seed uint64) (*skill.Result, error) {
	workflowID, _ := inputs["workflow_id"].(string)
	if workflowID == "" {
		return nil, &errors.ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	if ms, ok := asInt64(inputs["timeout_ms"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	spec, err := cfg.Resolve(ctx, workflowID)
	if err != nil {
		return nil, &errors.SkillError{
			SkillID: "workflow.invoke",
			Kind:    errors.KindPermanent,
			Message: fmt.Sprintf("resolving workflow %q: %v", workflowID, err),
			Cause:   err,
		}
	}

	invokeID := uuid.NewString()
	if err := cfg.Router.Register(invokeID); err != nil {
		return nil, err
	}

	childRunID := uuid.NewString()
	e.logger.Info("invoking child workflow",
		"invoke_id", invokeID, "workflow_id", workflowID, "child_run_id", childRunID)

	// The child runs detached from the caller's deadline: the inbox
	// wait owns the deadline, and the cancellation flag tells the
	// child to stop once the caller has given up.
	go e.runChild(context.WithoutCancel(ctx), cfg.Router, invokeID, childRunID, spec, seed)

	reply, err := cfg.Router.Wait(ctx, invokeID, timeout)
	if err != nil {
		// The slot is gone; the child observes Cancelled and stops at
		// its next step boundary.
		return nil, err
	}
	if reply.Err != nil {
		return nil, &errors.SkillError{
			SkillID: "workflow.invoke",
			Kind:    errors.KindPermanent,
			Message: fmt.Sprintf("child workflow %q failed with status %s", workflowID, reply.Status),
			Cause:   reply.Err,
		}
	}

	var cost int64
	if c, ok := asInt64(reply.Output["spent_minor"]); ok {
		cost = c
	}
	return &skill.Result{Output: reply.Output, CostMinor: cost}, nil
}

// runChild executes the child run and posts its reply. Post errors are
// ignored: the caller timing out removes the slot, and the reply is
// then intentionally dropped.
func (e *Engine) runChild(ctx context.Context, router *inbox.Router, invokeID, runID string, spec *Spec, seed uint64) {
	res, err := e.Run(ctx, RunParams{
		Spec:           spec,
		RunID:          runID,
		Seed:           seed,
		Cancelled:      func() bool { return router.Cancelled(invokeID) },
		CancelTerminal: true,
	})
	if err != nil {
		_ = router.Post(invokeID, inbox.Reply{Status: string(RunFailed), Err: err})
		return
	}

	outputs := make(map[string]any, len(res.Steps))
	for stepID, step := range res.Steps {
		if step.Success {
			outputs[stepID] = step.Output
		}
	}
	reply := inbox.Reply{
		Status: string(res.Status),
		Output: map[string]any{
			"run_id":      runID,
			"status":      string(res.Status),
			"outputs":     outputs,
			"spent_minor": res.SpentMinor,
		},
	}
	if res.Status != RunCompleted {
		reply.Err = &errors.SkillError{
			SkillID: "workflow.invoke",
			Kind:    errors.KindPermanent,
			Message: fmt.Sprintf("child run %s ended with status %s", runID, res.Status),
		}
	}
	_ = router.Post(invokeID, reply)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
