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

package backend

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RunFilter is a compiled run-list filter expression. Expressions see the
// run's fields as plain variables:
//
//	status == "failed" && workflow_name startsWith "billing"
//	completed_at != nil && started_at < date("2026-01-01")
type RunFilter struct {
	program *vm.Program
}

// CompileRunFilter compiles a filter expression. An empty source returns a
// nil filter, which matches everything.
func CompileRunFilter(source string) (*RunFilter, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source,
		expr.Env(runFilterEnv{}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile run filter: %w", err)
	}
	return &RunFilter{program: program}, nil
}

// Match evaluates the filter against a run. A nil filter matches.
func (f *RunFilter) Match(run *Run) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, runFilterEnv{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		HasError:     run.Error != nil,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate run filter: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("run filter did not evaluate to a boolean")
	}
	return matched, nil
}

// runFilterEnv is the variable environment a filter expression evaluates in.
type runFilterEnv struct {
	ID           string     `expr:"id"`
	WorkflowName string     `expr:"workflow_name"`
	Status       string     `expr:"status"`
	StartedAt    time.Time  `expr:"started_at"`
	CompletedAt  *time.Time `expr:"completed_at"`
	HasError     bool       `expr:"has_error"`
}
