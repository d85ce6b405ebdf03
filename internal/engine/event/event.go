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

// Package event defines the immutable event log data model: event types,
// per-event payloads, and the monotonic ULID factories that identify runs,
// events, and durable-operation correlations.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the tagged variant identifying what an event records.
type Type string

// Event types appended to a run's log.
const (
	TypeRunCreated    Type = "run_created"
	TypeRunCompleted  Type = "run_completed"
	TypeRunFailed     Type = "run_failed"
	TypeRunCancelled  Type = "run_cancelled"
	TypeStepStarted   Type = "step_started"
	TypeStepRetrying  Type = "step_retrying"
	TypeStepCompleted Type = "step_completed"
	TypeStepFailed    Type = "step_failed"
	TypeWaitCreated   Type = "wait_created"
	TypeWaitCompleted Type = "wait_completed"
	TypeHookCreated   Type = "hook_created"
	TypeHookReceived  Type = "hook_received"
	TypeHookDisposed  Type = "hook_disposed"
)

// Correlation ID prefixes. Every durable operation's correlation ID starts
// with the prefix of its kind, making logs and conflicts self-describing.
const (
	PrefixStep = "step"
	PrefixWait = "wait"
	PrefixHook = "hook"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeRunCreated, TypeRunCompleted, TypeRunFailed, TypeRunCancelled,
		TypeStepStarted, TypeStepRetrying, TypeStepCompleted, TypeStepFailed,
		TypeWaitCreated, TypeWaitCompleted,
		TypeHookCreated, TypeHookReceived, TypeHookDisposed:
		return true
	}
	return false
}

// Terminal reports whether t ends the lifecycle of its correlation ID.
// At most one terminal event may exist per (run, correlation ID).
func (t Type) Terminal() bool {
	s := string(t)
	return strings.HasSuffix(s, "_completed") ||
		strings.HasSuffix(s, "_failed") ||
		strings.HasSuffix(s, "_cancelled") ||
		t == TypeHookDisposed
}

// RunTerminal reports whether t terminates the whole run.
func (t Type) RunTerminal() bool {
	return t == TypeRunCompleted || t == TypeRunFailed || t == TypeRunCancelled
}

// Event is an immutable entry in a run's append-only log. Events are owned
// exclusively by storage; everything else receives copies.
type Event struct {
	// ID is a ULID, strictly increasing within a run.
	ID string `json:"event_id"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Type is the tagged variant of this event.
	Type Type `json:"event_type"`

	// CorrelationID ties a *_created event to its matching terminal event.
	// Empty for run-level events.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Data is the type-specific payload, encoded with the engine codec.
	Data json.RawMessage `json:"event_data,omitempty"`

	// CreatedAt is the storage-assigned append time.
	CreatedAt time.Time `json:"created_at"`
}

// New describes an event to append. Storage assigns ID and CreatedAt.
type New struct {
	Type          Type            `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"event_data,omitempty"`
}

// RunCreatedData is the payload of run_created.
type RunCreatedData struct {
	WorkflowName string            `json:"workflow_name"`
	Input        []json.RawMessage `json:"input,omitempty"`
	TraceCarrier map[string]string `json:"trace_carrier,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// RunCompletedData is the payload of run_completed.
type RunCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// RunFailedData is the payload of run_failed.
type RunFailedData struct {
	Error StructuredError `json:"error"`
}

// RunCancelledData is the payload of run_cancelled.
type RunCancelledData struct {
	Reason string `json:"reason,omitempty"`
}

// StepStartedData is the payload of step_started.
type StepStartedData struct {
	StepName string          `json:"step_name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Attempt  int             `json:"attempt"`
}

// StepRetryingData is the payload of step_retrying.
type StepRetryingData struct {
	Attempt    int             `json:"attempt"`
	RetryAfter time.Time       `json:"retry_after"`
	Error      StructuredError `json:"error"`
}

// StepCompletedData is the payload of step_completed.
type StepCompletedData struct {
	Attempt int             `json:"attempt"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// StepFailedData is the payload of step_failed.
type StepFailedData struct {
	Attempt int             `json:"attempt"`
	Error   StructuredError `json:"error"`
}

// WaitCreatedData is the payload of wait_created.
type WaitCreatedData struct {
	ResumeAt time.Time `json:"resume_at"`
}

// HookCreatedData is the payload of hook_created.
type HookCreatedData struct {
	// Token is the opaque high-entropy external identifier for deliveries.
	Token string `json:"token"`

	// Metadata is caller-supplied opaque data attached to the hook.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Policy records how multiple deliveries are consumed. The engine
	// queues deliveries: each wait on the hook resolves with the next
	// undelivered payload in arrival order.
	Policy string `json:"policy,omitempty"`
}

// HookReceivedData is the payload of hook_received.
type HookReceivedData struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HookDisposedData is the payload of hook_disposed.
type HookDisposedData struct {
	Reason string `json:"reason,omitempty"`
}

// DecodeData unmarshals an event's payload into dst.
func DecodeData(ev *Event, dst any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Data, dst)
}

// EncodeData marshals a payload for inclusion in a New event.
func EncodeData(src any) (json.RawMessage, error) {
	return json.Marshal(src)
}
