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

// Event validation and projection rules shared by all storage backends.
// Keeping these pure keeps the memory and sqlite backends byte-for-byte
// consistent in how they materialize runs, steps, and hooks.

package backend

import (
	"fmt"

	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

// ValidateAppend checks an append against the run's current state. run is
// nil when the log is empty; hasTerminal reports whether a terminal event
// already exists for the event's correlation ID; hook is the current hook
// snapshot for hook-addressed events, nil if absent.
func ValidateAppend(run *Run, ev event.New, hasTerminal bool, hook *Hook) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	if run == nil {
		if ev.Type != event.TypeRunCreated {
			return &errors.NotFoundError{Resource: "run", ID: ""}
		}
		return nil
	}
	if ev.Type == event.TypeRunCreated {
		return fmt.Errorf("run %s already exists", run.ID)
	}

	if run.Status.Terminal() {
		return &errors.ConflictError{
			RunID:         run.ID,
			CorrelationID: ev.CorrelationID,
			EventType:     string(ev.Type),
		}
	}

	if ev.Type.Terminal() && hasTerminal {
		return &errors.ConflictError{
			RunID:         run.ID,
			CorrelationID: ev.CorrelationID,
			EventType:     string(ev.Type),
		}
	}

	switch ev.Type {
	case event.TypeHookReceived, event.TypeHookDisposed:
		if hook == nil {
			return &errors.NotFoundError{Resource: "hook", ID: ev.CorrelationID}
		}
		if hook.Disposed {
			return &errors.ConflictError{
				RunID:         run.ID,
				CorrelationID: ev.CorrelationID,
				EventType:     string(ev.Type),
			}
		}
	}

	return nil
}

// NewRunFromEvent materializes a run from its run_created event.
func NewRunFromEvent(ev *event.Event) (*Run, error) {
	var data event.RunCreatedData
	if err := event.DecodeData(ev, &data); err != nil {
		return nil, fmt.Errorf("decode run_created: %w", err)
	}
	return &Run{
		ID:           ev.RunID,
		WorkflowName: data.WorkflowName,
		Input:        data.Input,
		Status:       RunPending,
		TraceCarrier: data.TraceCarrier,
		StartedAt:    ev.CreatedAt,
		ExpiresAt:    data.ExpiresAt,
		UpdatedAt:    ev.CreatedAt,
	}, nil
}

// ApplyToRun folds an event into the run snapshot.
func ApplyToRun(run *Run, ev *event.Event) error {
	run.UpdatedAt = ev.CreatedAt

	switch ev.Type {
	case event.TypeStepStarted, event.TypeWaitCreated, event.TypeHookCreated:
		if run.Status == RunPending {
			run.Status = RunRunning
		}
	case event.TypeRunCompleted:
		var data event.RunCompletedData
		if err := event.DecodeData(ev, &data); err != nil {
			return fmt.Errorf("decode run_completed: %w", err)
		}
		run.Status = RunCompleted
		run.Output = data.Output
		completedAt := ev.CreatedAt
		run.CompletedAt = &completedAt
	case event.TypeRunFailed:
		var data event.RunFailedData
		if err := event.DecodeData(ev, &data); err != nil {
			return fmt.Errorf("decode run_failed: %w", err)
		}
		run.Status = RunFailed
		run.Error = &data.Error
		completedAt := ev.CreatedAt
		run.CompletedAt = &completedAt
	case event.TypeRunCancelled:
		run.Status = RunCancelled
		completedAt := ev.CreatedAt
		run.CompletedAt = &completedAt
	}
	return nil
}

// ApplyToStep folds a step event into the step snapshot, creating it on the
// first step_started. Returns nil for non-step events.
func ApplyToStep(step *Step, ev *event.Event) (*Step, error) {
	switch ev.Type {
	case event.TypeStepStarted:
		var data event.StepStartedData
		if err := event.DecodeData(ev, &data); err != nil {
			return nil, fmt.Errorf("decode step_started: %w", err)
		}
		if step == nil {
			step = &Step{
				ID:        ev.CorrelationID,
				RunID:     ev.RunID,
				Name:      data.StepName,
				Input:     data.Input,
				StartedAt: ev.CreatedAt,
			}
		}
		step.Attempt = data.Attempt
		step.Status = StepRunning
		step.RetryAfter = nil
		return step, nil
	case event.TypeStepRetrying:
		if step == nil {
			return nil, fmt.Errorf("step_retrying for unknown step %s", ev.CorrelationID)
		}
		var data event.StepRetryingData
		if err := event.DecodeData(ev, &data); err != nil {
			return nil, fmt.Errorf("decode step_retrying: %w", err)
		}
		step.Status = StepRetrying
		step.Error = &data.Error
		retryAfter := data.RetryAfter
		step.RetryAfter = &retryAfter
		return step, nil
	case event.TypeStepCompleted:
		var data event.StepCompletedData
		if err := event.DecodeData(ev, &data); err != nil {
			return nil, fmt.Errorf("decode step_completed: %w", err)
		}
		if step == nil {
			// Sink-authoritative append without a prior step_started.
			step = &Step{ID: ev.CorrelationID, RunID: ev.RunID, StartedAt: ev.CreatedAt}
		}
		if data.Attempt > 0 {
			step.Attempt = data.Attempt
		}
		step.Status = StepCompleted
		step.Output = data.Output
		step.Error = nil
		step.RetryAfter = nil
		completedAt := ev.CreatedAt
		step.CompletedAt = &completedAt
		return step, nil
	case event.TypeStepFailed:
		var data event.StepFailedData
		if err := event.DecodeData(ev, &data); err != nil {
			return nil, fmt.Errorf("decode step_failed: %w", err)
		}
		if step == nil {
			step = &Step{ID: ev.CorrelationID, RunID: ev.RunID, StartedAt: ev.CreatedAt}
		}
		if data.Attempt > 0 {
			step.Attempt = data.Attempt
		}
		step.Status = StepFailed
		step.Error = &data.Error
		step.RetryAfter = nil
		completedAt := ev.CreatedAt
		step.CompletedAt = &completedAt
		return step, nil
	}
	return nil, nil
}

// ApplyToHook folds a hook event into the hook snapshot, creating it on
// hook_created. Returns nil for non-hook events.
func ApplyToHook(hook *Hook, ev *event.Event) (*Hook, error) {
	switch ev.Type {
	case event.TypeHookCreated:
		var data event.HookCreatedData
		if err := event.DecodeData(ev, &data); err != nil {
			return nil, fmt.Errorf("decode hook_created: %w", err)
		}
		return &Hook{
			ID:        ev.CorrelationID,
			RunID:     ev.RunID,
			Token:     data.Token,
			Metadata:  data.Metadata,
			CreatedAt: ev.CreatedAt,
		}, nil
	case event.TypeHookDisposed:
		if hook == nil {
			return nil, fmt.Errorf("hook_disposed for unknown hook %s", ev.CorrelationID)
		}
		hook.Disposed = true
		disposedAt := ev.CreatedAt
		hook.DisposedAt = &disposedAt
		return hook, nil
	}
	return hook, nil
}

// DisposalReason is recorded on hook_disposed events appended automatically
// when a run reaches a terminal state.
const DisposalReason = "run terminated"

// TerminalDisposalEvent builds the hook_disposed event appended for each
// outstanding hook when its run terminates.
func TerminalDisposalEvent(hookID string) (event.New, error) {
	data, err := event.EncodeData(event.HookDisposedData{Reason: DisposalReason})
	if err != nil {
		return event.New{}, err
	}
	return event.New{
		Type:          event.TypeHookDisposed,
		CorrelationID: hookID,
		Data:          data,
	}, nil
}
