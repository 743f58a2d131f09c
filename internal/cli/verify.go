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

	"github.com/spf13/cobra"

	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/errors"
)

func newVerifyCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run_id>",
		Short: "Verify a golden record's HMAC signature",
		Long: `Verify recomputes the HMAC signature over the stored golden record
and compares it to the signature written when the run finished. A
mismatch means the record was modified after signing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			recorder, err := a.openRecorder()
			if err != nil {
				return err
			}

			runID := args[0]
			if err := recorder.Verify(cmd.Context(), runID); err != nil {
				if errors.Matches[*errors.TamperError](err) {
					metrics.RecordGoldenTamper()
				}
				return fmt.Errorf("verification failed for run %s: %w", runID, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s: signature valid\n", runID)
			return nil
		},
	}
}
