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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/relay/internal/engine/backend"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	cmd.AddCommand(newRunsListCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		filter string
		status string
		name   string
		limit  int
		desc   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs recorded in the configured backend",
		Long: `List runs from the storage backend. The --filter flag takes an
expression evaluated against each run with the fields id, workflow_name,
status, started_at, completed_at, and has_error.`,
		Example: `  # All runs
  relay runs list

  # Failed runs of one workflow
  relay runs list --filter 'status == "failed" && workflow_name == "billing"'

  # Newest first, as JSON
  relay runs list --desc --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(cmd, filter, status, name, limit, desc)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Filter expression")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&name, "workflow", "", "Filter by workflow name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum runs to return")
	cmd.Flags().BoolVar(&desc, "desc", false, "Newest first")

	return cmd
}

func runRunsList(cmd *cobra.Command, filter, status, name string, limit int, desc bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &ExitError{Code: ExitBadConfig, Message: "load config", Cause: err}
	}

	store, _, closeBackend, err := buildBackend(cfg)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "open backend", Cause: err}
	}
	defer closeBackend()

	page, err := store.ListRuns(cmd.Context(), backend.ListRunsParams{
		Page:         backend.Page{Limit: limit, Descending: desc},
		Status:       backend.RunStatus(status),
		WorkflowName: name,
		Filter:       filter,
	})
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "list runs", Cause: err}
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(page.Runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED\tCOMPLETED")
	for _, run := range page.Runs {
		completed := "-"
		if run.CompletedAt != nil {
			completed = run.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.WorkflowName, run.Status,
			run.StartedAt.Format(time.RFC3339), completed)
	}
	return w.Flush()
}
