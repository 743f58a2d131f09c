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
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/baton/internal/store"
)

func newRunsCommand(flags *rootFlags) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List checkpointed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.openStore()
			if err != nil {
				return err
			}

			checkpoints, err := st.ListCheckpoints(cmd.Context(), store.Status(status))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tNEXT STEP\tSPENT\tUPDATED")
			for _, cp := range checkpoints {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					cp.RunID, cp.WorkflowID, cp.Status, cp.NextStepIndex,
					cp.SpentMinor, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed, paused, cancelled)")

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <run_id>",
		Short: "Delete a run's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			if err := st.DeleteCheckpoint(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted checkpoint for run %s\n", args[0])
			return nil
		},
	})
	return cmd
}
