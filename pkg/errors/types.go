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

// Package errors defines the error kinds the durable workflow engine
// distinguishes, plus helpers for wrapping and classifying them.
package errors

import (
	"errors"
	"fmt"
)

// ErrSuspended signals that a workflow replay exhausted the event log while
// at least one durable operation was still waiting for its completion event.
// It is not a failure: the tick driver catches it, flushes the pending
// invocations, and acknowledges the message. Primitives return errors that
// wrap ErrSuspended so callers can detect suspension with errors.Is.
var ErrSuspended = errors.New("workflow suspended: event log exhausted")

// Error codes recorded on run and step entities.
const (
	// CodeWorkflowRuntime marks a corrupted or contradictory event log.
	CodeWorkflowRuntime = "WORKFLOW_RUNTIME_ERROR"
	// CodeStepFailed marks a step that exhausted its retries or failed fatally.
	CodeStepFailed = "STEP_FAILED"
	// CodeRunCancelled marks a run terminated by an explicit cancel.
	CodeRunCancelled = "RUN_CANCELLED"
	// CodeRunExpired marks a run that passed its expiry deadline before
	// completing.
	CodeRunExpired = "RUN_EXPIRED"
)

// RuntimeError reports a corrupted or contradictory event log, such as an
// event of an unexpected type arriving for a correlation ID. It is terminal
// for the affected run: the tick driver appends run_failed.
type RuntimeError struct {
	// CorrelationID identifies the durable operation that observed the
	// unexpected event.
	CorrelationID string

	// EventType is the event type that was not expected at this position.
	EventType string

	// Message describes the contradiction.
	Message string
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("workflow runtime error: %s (correlation_id=%s, event_type=%s)",
			e.Message, e.CorrelationID, e.EventType)
	}
	return fmt.Sprintf("workflow runtime error: %s", e.Message)
}

// Code returns the stable error code recorded on the run entity.
func (e *RuntimeError) Code() string { return CodeWorkflowRuntime }

// FatalStepError marks a step failure as non-retryable. The step runtime
// appends step_failed immediately instead of scheduling a retry.
type FatalStepError struct {
	// Message is the human-readable failure description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *FatalStepError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "fatal step error"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalStepError) Unwrap() error { return e.Cause }

// Fatal wraps err so the step runtime treats it as non-retryable.
// A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalStepError{Message: err.Error(), Cause: err}
}

// Fatalf creates a non-retryable step error with a formatted message.
func Fatalf(format string, args ...any) error {
	return &FatalStepError{Message: fmt.Sprintf(format, args...)}
}

// RetryableStepError marks a step failure as retryable with an optional
// override of the wait before the next attempt. Plain errors returned from
// step bodies are retryable by default; this type exists to carry the
// explicit delay.
type RetryableStepError struct {
	// Message is the human-readable failure description.
	Message string

	// RetryAfterSeconds overrides the backoff schedule when positive.
	RetryAfterSeconds int

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *RetryableStepError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "retryable step error"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableStepError) Unwrap() error { return e.Cause }

// ConflictError reports an optimistic uniqueness rejection on event append:
// a terminal event already exists for the same (run, correlation ID). The
// loser of the race treats it as "somebody else already did it" and acks.
type ConflictError struct {
	// RunID is the run whose log rejected the append.
	RunID string

	// CorrelationID is the durable operation that already has a terminal event.
	CorrelationID string

	// EventType is the event type that was rejected.
	EventType string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("event append conflict: terminal event already exists for run %s correlation %s (attempted %s)",
		e.RunID, e.CorrelationID, e.EventType)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	// Resource is the entity kind ("run", "step", "hook", "stream", "workflow").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems: unreadable config files,
// missing settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem.
	Key string

	// Reason explains what is wrong with the configuration.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }
