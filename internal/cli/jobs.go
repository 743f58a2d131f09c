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
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/ledger"
	"github.com/tombee/baton/pkg/skill"
	"github.com/tombee/baton/pkg/workflow"
)

func newJobsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create and process batch jobs",
	}
	cmd.AddCommand(
		newJobsRunCommand(flags),
		newJobsStatusCommand(flags),
		newJobsReclaimCommand(flags),
	)
	return cmd
}

// newJobsRunCommand creates a job from an items file and drains it in
// this process. Budget holds live in an in-process ledger, so creation
// and processing share one invocation; deployments with an external
// billing ledger split the two.
func newJobsRunCommand(flags *rootFlags) *cobra.Command {
	var (
		jobID       string
		agentID     string
		agentLimit  int64
		perItem     int64
		skillID     string
		parallelism int
		seed        uint64
	)

	cmd := &cobra.Command{
		Use:   "run <items.yaml>",
		Short: "Create a job from an items file and process it",
		Long: `Run reads a YAML list of item inputs, reserves budget for every
item, and drains the job with claiming workers. Each item invokes the
given skill with the item's input and a seed derived from --seed and
the item index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := loadJobItems(args[0])
			if err != nil {
				return err
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			led := ledger.NewMemoryLedger()
			if agentID != "" && agentLimit > 0 {
				led.SetLimit(agentID, agentLimit)
			}
			sched, err := a.newScheduler(led)
			if err != nil {
				return err
			}

			registry := skill.NewRegistry()
			if err := skill.RegisterBuiltins(registry); err != nil {
				return err
			}
			if _, err := registry.Get(skillID); err != nil {
				return err
			}

			ctx := cmd.Context()
			job, err := sched.CreateJob(ctx, jobID, agentID, inputs, perItem)
			if err != nil {
				return err
			}

			stopReclaim := a.startReclaimLoop(ctx, sched)
			defer stopReclaim()

			handler := func(ctx context.Context, item *store.JobItem) (map[string]any, int64, error) {
				res, err := registry.Invoke(ctx, skillID, item.Input, workflow.StepSeed(seed, item.ItemIndex))
				if err != nil {
					return nil, 0, err
				}
				return res.Output, res.CostMinor, nil
			}
			if err := sched.ProcessJob(ctx, job.ID, parallelism, handler); err != nil {
				return err
			}

			return printJob(cmd, a, job.ID)
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id (default: random UUID)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id the job's budget holds are scoped to")
	cmd.Flags().Int64Var(&agentLimit, "agent-limit", 0, "Agent budget limit in minor units (0: unlimited)")
	cmd.Flags().Int64Var(&perItem, "per-item", 0, "Reserved budget per item in minor units")
	cmd.Flags().StringVar(&skillID, "skill", skill.SkillEcho, "Skill invoked per item")
	cmd.Flags().IntVar(&parallelism, "parallelism", 1, "Concurrent claiming workers")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Base seed for per-item skill seeds")
	return cmd
}

func newJobsStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()
			return printJob(cmd, a, args[0])
		},
	}
}

// newJobsReclaimCommand resets claims abandoned by crashed workers, per
// the configured heartbeat TTL.
func newJobsReclaimCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Reset claims whose workers stopped heartbeating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.newScheduler(ledger.NewMemoryLedger())
			if err != nil {
				return err
			}
			n, err := sched.ReclaimStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale claims\n", n)
			return nil
		},
	}
}

// loadJobItems reads the items file: a YAML list where every entry is
// one item's input map.
func loadJobItems(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading items file: %w", err)
	}
	var inputs []map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parsing items file %s: %w", path, err)
	}
	return inputs, nil
}

func printJob(cmd *cobra.Command, a *app, jobID string) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	job, err := st.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

// startReclaimLoop scans for stale claims at the configured interval
// until the returned stop function is called.
func (a *app) startReclaimLoop(ctx context.Context, sched *scheduler.Scheduler) func() {
	interval := a.cfg.Scheduler.ReclaimInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := sched.ReclaimStale(loopCtx); err != nil {
					a.logger.Warn("stale claim scan failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
