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
	"github.com/tombee/relay/internal/engine/processor"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/internal/log"
)

func newHealthCommand(opts Options) *cobra.Command {
	var (
		endpoint string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Verify the configured stack can process messages",
		Long: `Send a health probe through the real work queues and wait for the echo.
The probe exercises the same path as workflow and step messages, so a
healthy result means the backend opens, the queues deliver, and the
processor dispatches.

Exits 0 when every probed endpoint is healthy, 1 otherwise.`,
		Example: `  # Probe both queues
  relay health

  # Probe only the step queue, with a shorter deadline
  relay health --endpoint step --timeout 2s

  # Machine-readable output for CI
  relay health --json | jq -e 'all(.healthy)'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, opts, endpoint, timeout)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "both", "Queue to probe: workflow, step, or both")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-probe deadline (default: health.timeout from config)")

	return cmd
}

func runHealth(cmd *cobra.Command, opts Options, endpoint string, timeout time.Duration) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return &ExitError{Code: ExitBadConfig, Message: "load config", Cause: err}
	}
	if timeout <= 0 {
		timeout = cfg.Health.Timeout
	}

	var targets []string
	switch endpoint {
	case "workflow":
		targets = []string{queue.WorkflowQueue}
	case "step":
		targets = []string{queue.StepQueue}
	case "both":
		targets = []string{queue.WorkflowQueue, queue.StepQueue}
	default:
		return &ExitError{Code: ExitBadConfig, Message: fmt.Sprintf("unknown endpoint %q (want workflow, step, or both)", endpoint)}
	}

	store, streams, closeBackend, err := buildBackend(cfg)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "open backend", Cause: err}
	}
	defer closeBackend()

	logger := log.New(&log.Config{Level: "error", Format: log.Format(cfg.Log.Format)})
	bus := queue.NewMemoryQueue(queue.WithMaxAge(cfg.Queue.MaxAge))
	defer bus.Close()

	executor := steprun.NewExecutor(store, streams, opts.Steps, logger)
	proc := processor.New(cfg.Processor, store, bus, streams, opts.Workflows, executor, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()

	results := make([]processor.HealthResult, 0, len(targets))
	healthy := true
	for _, target := range targets {
		res := processor.CheckHealth(ctx, bus, target, timeout)
		results = append(results, res)
		if !res.Healthy {
			healthy = false
		}
	}

	cancel()
	<-done

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if res.Healthy {
				fmt.Printf("%s: OK (%s)\n", res.Target, res.Latency.Round(time.Microsecond))
			} else {
				fmt.Printf("%s: FAILED (%s)\n", res.Target, res.Error)
			}
		}
	}

	if !healthy {
		return &ExitError{Code: ExitFailure, Message: "health check failed"}
	}
	return nil
}
