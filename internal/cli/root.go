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

// Package cli implements the batond command tree.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// Version carries build-time version information.
type Version struct {
	Version   string
	Commit    string
	BuildDate string
}

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath  string
	metricsAddr string
	trace       bool
}

// NewRootCommand creates the root cobra command for batond.
func NewRootCommand(ver Version) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "batond",
		Short: "Baton - deterministic workflow orchestration",
		Long: `Baton executes workflow specifications as deterministic, seeded,
checkpointed runs. Every run appends a signed golden record that a
later replay with the same seed must reproduce exactly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver.Version, ver.Commit, ver.BuildDate),
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (default: baton.yaml)")
	cmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	cmd.PersistentFlags().BoolVar(&flags.trace, "trace", false, "Emit engine spans to stdout")

	cmd.AddCommand(
		newRunCommand(flags),
		newVerifyCommand(flags),
		newRunsCommand(flags),
		newJobsCommand(flags),
	)
	return cmd
}

// setup builds the app for a command invocation and applies the flags
// that alter ambient behavior.
func setup(flags *rootFlags) (*app, error) {
	a, err := newApp(flags.configPath, slog.Default())
	if err != nil {
		return nil, err
	}
	if flags.metricsAddr != "" {
		a.cfg.Metrics.Addr = flags.metricsAddr
	}
	a.serveMetrics(a.cfg.Metrics.Addr)
	if flags.trace {
		if err := a.enableTracing(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}
