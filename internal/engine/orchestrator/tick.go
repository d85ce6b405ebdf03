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

package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/relay/pkg/errors"
)

// TickResult is the verdict of one replay pass. Exactly one of Completed,
// Failed, or Suspended is set.
type TickResult struct {
	// Completed means the body returned and no invocation is blocking;
	// Output is the codec-encoded return value for run_completed.
	Completed bool
	Output    json.RawMessage

	// Failed means the body returned an error or the log contradicted the
	// replay; Failure goes into run_failed.
	Failed  bool
	Failure error

	// Suspended means the tick yielded with work outstanding. Flush holds
	// the first-reach invocations, in registration order, whose
	// created/started events and side-effect messages must be emitted
	// before the message is acknowledged.
	Suspended bool
	Flush     []*Invocation
}

// RunTick replays the body against the VM's log and classifies the outcome.
// The body is the workflow function adapted to the VM; a panic inside it is
// captured as a run failure rather than taking the worker down.
func RunTick(vm *VM, body func(*VM) (any, error)) *TickResult {
	res := &TickResult{}

	output, err := runBody(vm, body)
	if err != nil {
		if errors.IsSuspension(err) {
			res.Suspended = true
			res.Flush = vm.inv.Unacknowledged()
			return res
		}
		res.Failed = true
		res.Failure = err
		return res
	}

	// The body can return before the log is fully consumed, e.g. when it
	// started futures it never awaited. Drain the rest so first-reach
	// detection below sees every recorded acknowledgement.
	if err := vm.DrainRemaining(); err != nil {
		res.Failed = true
		res.Failure = err
		return res
	}

	if vm.inv.Blocking() {
		res.Suspended = true
		res.Flush = vm.inv.Unacknowledged()
		return res
	}

	encoded, err := vm.registry.Marshal(output)
	if err != nil {
		res.Failed = true
		res.Failure = fmt.Errorf("encode workflow output: %w", err)
		return res
	}
	res.Completed = true
	res.Output = encoded
	return res
}

func runBody(vm *VM, body func(*VM) (any, error)) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return body(vm)
}
