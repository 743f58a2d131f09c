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

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
)

func TestCheckCanExecute_EmergencyStopFirst(t *testing.T) {
	stop := NewEmergencyStop(slog.Default())
	stop.Set(true)

	// Even a step that would trip every other check reports the stop.
	e := NewEnforcer(Config{Stop: stop, StepCeilingMinor: 1})
	d := e.CheckCanExecute(context.Background(), CheckRequest{
		RunID:              "r1",
		StepID:             "a",
		EstimatedCostMinor: 100,
		SideEffecting:      true,
	})

	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyEmergencyStop, d.Kind)
}

func TestCheckCanExecute_StepCeiling(t *testing.T) {
	e := NewEnforcer(Config{StepCeilingMinor: 50})
	d := e.CheckCanExecute(context.Background(), CheckRequest{
		RunID: "r1", StepID: "a", EstimatedCostMinor: 51,
	})

	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyStepCeiling, d.Kind)

	var budgetErr *errors.BudgetExceededError
	assert.ErrorAs(t, d.Err(), &budgetErr)
}

func TestCheckCanExecute_WorkflowCeiling(t *testing.T) {
	e := NewEnforcer(Config{})
	ctx := context.Background()

	req := CheckRequest{RunID: "r1", StepID: "a", EstimatedCostMinor: 12, WorkflowCeilingMinor: 10}
	d := e.CheckCanExecute(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyWorkflowCeiling, d.Kind)

	// Under the ceiling it passes, then accumulated spend pushes the
	// next check over.
	req.EstimatedCostMinor = 6
	assert.True(t, e.CheckCanExecute(ctx, req).Allowed)
	e.RecordSpend("r1", 6)

	req.StepID = "b"
	d = e.CheckCanExecute(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyWorkflowCeiling, d.Kind)
}

func TestCheckCanExecute_BudgetMonotonicity(t *testing.T) {
	// P6: committed spend never exceeds the ceiling; the first violation
	// denies and no further spend is committed.
	e := NewEnforcer(Config{})
	ctx := context.Background()
	const ceiling = int64(100)

	var committed int64
	for i := 0; i < 10; i++ {
		req := CheckRequest{
			RunID:                "r1",
			StepID:               fmt.Sprintf("s%d", i),
			EstimatedCostMinor:   30,
			WorkflowCeilingMinor: ceiling,
		}
		d := e.CheckCanExecute(ctx, req)
		if !d.Allowed {
			assert.Equal(t, errors.DenyWorkflowCeiling, d.Kind)
			break
		}
		e.RecordSpend("r1", 30)
		committed += 30
		assert.LessOrEqual(t, e.Spent("r1"), ceiling)
	}
	assert.Equal(t, int64(90), committed)
	assert.Equal(t, int64(90), e.Spent("r1"))
}

func TestCheckCanExecute_IdempotencyRequired(t *testing.T) {
	e := NewEnforcer(Config{})
	ctx := context.Background()

	d := e.CheckCanExecute(ctx, CheckRequest{
		RunID: "r1", StepID: "a", SkillID: "http.post", SideEffecting: true,
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyIdempotencyMissing, d.Kind)

	d = e.CheckCanExecute(ctx, CheckRequest{
		RunID: "r1", StepID: "a", SkillID: "http.post", SideEffecting: true,
		IdempotencyKey: "order-123",
	})
	assert.True(t, d.Allowed)
}

type fixedBudget struct {
	err error
}

func (f fixedBudget) CheckBudget(ctx context.Context, agentID string, estimatedMinor int64) error {
	return f.err
}

func TestCheckCanExecute_AgentBudgetDelegated(t *testing.T) {
	ctx := context.Background()

	e := NewEnforcer(Config{AgentBudget: fixedBudget{err: errors.New("over budget")}})
	d := e.CheckCanExecute(ctx, CheckRequest{RunID: "r1", StepID: "a", AgentID: "agent-7"})
	assert.False(t, d.Allowed)
	assert.Equal(t, errors.DenyAgentBudgetExceeded, d.Kind)

	// No agent id skips the delegated check.
	d = e.CheckCanExecute(ctx, CheckRequest{RunID: "r1", StepID: "a"})
	assert.True(t, d.Allowed)
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Allow.Err())

	d := deny(errors.DenyEmergencyStop, "stop")
	var denyErr *errors.PolicyDenyError
	require.ErrorAs(t, d.Err(), &denyErr)
	assert.Equal(t, errors.DenyEmergencyStop, denyErr.Kind)

	d = deny(errors.DenyWorkflowCeiling, "ceiling")
	var budgetErr *errors.BudgetExceededError
	require.ErrorAs(t, d.Err(), &budgetErr)
}

func TestSeedSpendAndRelease(t *testing.T) {
	e := NewEnforcer(Config{})
	e.SeedSpend("r1", 40)
	assert.Equal(t, int64(40), e.Spent("r1"))

	d := e.CheckCanExecute(context.Background(), CheckRequest{
		RunID: "r1", StepID: "a", EstimatedCostMinor: 70, WorkflowCeilingMinor: 100,
	})
	assert.False(t, d.Allowed)

	e.Release("r1")
	assert.Equal(t, int64(0), e.Spent("r1"))
}

func TestEmergencyStop_WatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stop")

	stop := NewEmergencyStop(slog.Default())
	require.NoError(t, stop.WatchFile(path))
	defer stop.Close()

	assert.False(t, stop.Engaged())

	require.NoError(t, os.WriteFile(path, []byte("1"), 0o600))
	require.Eventually(t, stop.Engaged, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return !stop.Engaged() }, 2*time.Second, 10*time.Millisecond)
}

func TestEmergencyStop_FromEnv(t *testing.T) {
	t.Setenv(EnvEmergencyStop, "true")
	stop := NewEmergencyStop(slog.Default())
	assert.True(t, stop.Engaged())

	t.Setenv(EnvEmergencyStop, "0")
	stop = NewEmergencyStop(slog.Default())
	assert.False(t, stop.Engaged())
}
