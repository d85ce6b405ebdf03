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

// Package cli assembles the relay command tree. The binary serves whatever
// workflows and steps the embedding program registers before Execute runs.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/pkg/workflow"
)

// Options carries build information and the embedder's registries into the
// command tree.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
	Workflows *workflow.Registry
	Steps     *steprun.Registry
}

// NewRootCommand creates the root Cobra command for relay.
func NewRootCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - durable workflow engine",
		Long: `Relay runs workflows as durable, replayable event logs. Workflow and
step functions are registered in code; relay persists every decision they
make so runs survive crashes and restarts.

Run 'relay serve' to start processing. Run 'relay health' to verify the
configured stack can process messages end to end.`,
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: relay.yaml if present)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newRunsCommand())

	return cmd
}

// loadConfig resolves the --config flag and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "relay.yaml"
	}
	return config.Load(path)
}
