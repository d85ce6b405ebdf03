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

// Command relay is the reference engine binary. Deployments register their
// workflow and step functions here before building.
package main

import (
	"github.com/tombee/relay/internal/cli"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/pkg/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	workflows := workflow.NewRegistry()
	steps := steprun.NewRegistry()

	// Register workflows and steps here, for example:
	//
	//   steps.MustRegister(steprun.Definition{Name: "charge", Fn: chargeCard})
	//   workflows.MustRegister("billing", billingWorkflow)

	rootCmd := cli.NewRootCommand(cli.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		Workflows: workflows,
		Steps:     steps,
	})

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
