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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/golden"
	"github.com/tombee/baton/pkg/workflow"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var (
		seed          uint64
		runID         string
		resumeID      string
		replay        bool
		agentID       string
		verifyAgainst string
	)

	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Execute a workflow specification",
		Long: `Run executes the workflow in the given YAML specification as a
seeded, checkpointed run. Use --resume to continue a paused run, or
--replay with --verify-against to re-execute deterministically and
compare the golden record against a previous run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifyAgainst != "" && !replay {
				return fmt.Errorf("--verify-against requires --replay")
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			spec, err := workflow.LoadSpecFile(args[0])
			if err != nil {
				return err
			}

			engine, err := a.newEngine()
			if err != nil {
				return err
			}

			params := workflow.RunParams{
				Spec:    spec,
				Seed:    seed,
				Replay:  replay,
				AgentID: agentID,
			}
			switch {
			case resumeID != "":
				params.RunID = resumeID
				params.Resume = true
			case runID != "":
				params.RunID = runID
			default:
				params.RunID = uuid.NewString()
			}

			ctx := cmd.Context()
			res, err := engine.Run(ctx, params)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}

			if verifyAgainst != "" {
				if err := a.compareRecords(ctx, params.RunID, verifyAgainst); err != nil {
					return err
				}
			}
			if res.Status != workflow.RunCompleted {
				return fmt.Errorf("run %s finished with status %s", params.RunID, res.Status)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&seed, "seed", 0, "Base seed for deterministic step seeds")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random UUID)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Resume the paused run with this id")
	cmd.Flags().BoolVar(&replay, "replay", false, "Mark the run as a deterministic replay")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id for delegated budget checks")
	cmd.Flags().StringVar(&verifyAgainst, "verify-against", "", "Compare the golden record against this previous run id")
	return cmd
}

// compareRecords checks a replay's golden record against the record it
// reproduces, ignoring timestamps.
func (a *app) compareRecords(ctx context.Context, actualID, expectedID string) error {
	recorder, err := a.openRecorder()
	if err != nil {
		return err
	}

	actual, err := recorder.Events(ctx, actualID)
	if err != nil {
		return fmt.Errorf("loading replay record: %w", err)
	}
	expected, err := recorder.Events(ctx, expectedID)
	if err != nil {
		return fmt.Errorf("loading expected record: %w", err)
	}

	report, err := golden.Compare(actual, expected, nil)
	if err != nil {
		return err
	}
	if !report.Equal {
		metrics.RecordReplayMismatch()
		for _, diff := range report.Diffs {
			a.logger.Error("replay mismatch", "diff", diff.String())
		}
		return fmt.Errorf("replay diverged from run %s at event %d", expectedID, report.FirstDiffIndex)
	}

	a.logger.Info("replay verified", "against", expectedID, "events", report.MatchedEvents)
	return nil
}
