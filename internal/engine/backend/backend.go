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

// Package backend defines the storage contract the engine consumes: an
// append-only event log per run with materialized run, step, and hook
// projections. Appends are transactional per (run, event) and enforce
// at-most-one terminal event per correlation ID.
//
// # Interface Hierarchy
//
// The package uses interface segregation so minimal backends stay small:
//
//   - EventStore (core, required): AppendEvent, ListEvents
//   - RunStore: GetRun, ListRuns
//   - StepStore: GetStep, ListSteps
//   - HookStore: GetHook, GetHookByToken, ListHooks
//   - io.Closer (optional): Close
//
// Storage composes all of these for full-featured implementations.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tombee/relay/internal/engine/event"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

// Step lifecycle states.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Run is the materialized view of a run's event log. Callers receive
// immutable snapshots; all mutation goes through AppendEvent.
type Run struct {
	ID           string                 `json:"run_id"`
	WorkflowName string                 `json:"workflow_name"`
	Input        []json.RawMessage      `json:"input,omitempty"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Status       RunStatus              `json:"status"`
	Error        *event.StructuredError `json:"error,omitempty"`
	TraceCarrier map[string]string      `json:"trace_carrier,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Expired reports whether the run has passed its expiry deadline.
func (r *Run) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Step is the materialized view of one logical step invocation. The step ID
// is the step's correlation ID and is shared by all retry attempts.
type Step struct {
	ID          string                 `json:"step_id"`
	RunID       string                 `json:"run_id"`
	Name        string                 `json:"step_name"`
	Attempt     int                    `json:"attempt"`
	Status      StepStatus             `json:"status"`
	Input       json.RawMessage        `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *event.StructuredError `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RetryAfter  *time.Time             `json:"retry_after,omitempty"`
}

// Hook is the materialized view of a durable rendez-vous point.
type Hook struct {
	ID         string          `json:"hook_id"`
	RunID      string          `json:"run_id"`
	Token      string          `json:"token"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Disposed   bool            `json:"disposed"`
	DisposedAt *time.Time      `json:"disposed_at,omitempty"`
}

// AppendResult is the outcome of a transactional append: the stored event
// plus the post-append snapshot of the affected entities.
type AppendResult struct {
	Event *event.Event
	Run   *Run
	Step  *Step
	Hook  *Hook
}

// Page carries cursor-based pagination inputs. The cursor is the ID of the
// last item of the previous page; empty means start from the beginning (or
// end, when descending).
type Page struct {
	Cursor     string
	Limit      int
	Descending bool
}

// DefaultPageLimit caps list sizes when the caller does not set one.
const DefaultPageLimit = 100

// EffectiveLimit returns the page limit with the default applied.
func (p Page) EffectiveLimit() int {
	if p.Limit <= 0 || p.Limit > DefaultPageLimit {
		return DefaultPageLimit
	}
	return p.Limit
}

// ListRunsParams filters and paginates runs.
type ListRunsParams struct {
	Page
	Status       RunStatus
	WorkflowName string
	// IDPrefix narrows results to run IDs with the given prefix.
	IDPrefix string
	// Filter is an optional expression evaluated against each run, e.g.
	// `status == "failed" && workflow_name == "billing"`.
	Filter string
}

// ListStepsParams filters and paginates steps within a run.
type ListStepsParams struct {
	Page
	RunID  string
	Status StepStatus
}

// ListEventsParams paginates a run's event log.
type ListEventsParams struct {
	Page
	RunID string
	// CorrelationID narrows results to a single durable operation.
	CorrelationID string
}

// ListHooksParams filters and paginates hooks.
type ListHooksParams struct {
	Page
	RunID string
	// IncludeDisposed includes hooks that have been disposed.
	IncludeDisposed bool
}

// RunPage is one page of runs.
type RunPage struct {
	Runs       []*Run
	NextCursor string
}

// StepPage is one page of steps.
type StepPage struct {
	Steps      []*Step
	NextCursor string
}

// EventPage is one page of events.
type EventPage struct {
	Events     []*event.Event
	NextCursor string
}

// HookPage is one page of hooks.
type HookPage struct {
	Hooks      []*Hook
	NextCursor string
}

// EventStore is the core interface: the transactional append and the log
// reads every other view derives from.
type EventStore interface {
	// AppendEvent atomically appends an event to a run's log and updates
	// the affected projections. When runID is empty and the event is
	// run_created, storage generates and returns the new run ID. A
	// terminal event for a correlation ID that already has one is
	// rejected with *errors.ConflictError.
	AppendEvent(ctx context.Context, runID string, ev event.New) (*AppendResult, error)

	// ListEvents returns a page of a run's log ordered by event ID.
	ListEvents(ctx context.Context, params ListEventsParams) (*EventPage, error)
}

// RunStore reads run projections.
type RunStore interface {
	// GetRun retrieves a run snapshot by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, params ListRunsParams) (*RunPage, error)
}

// StepStore reads step projections.
type StepStore interface {
	// GetStep retrieves a step snapshot by run and step ID.
	GetStep(ctx context.Context, runID, stepID string) (*Step, error)

	// ListSteps lists a run's steps.
	ListSteps(ctx context.Context, params ListStepsParams) (*StepPage, error)
}

// HookStore reads hook projections.
type HookStore interface {
	// GetHook retrieves a hook by ID.
	GetHook(ctx context.Context, hookID string) (*Hook, error)

	// GetHookByToken resolves the hook addressed by an external token.
	GetHookByToken(ctx context.Context, token string) (*Hook, error)

	// ListHooks lists hooks, typically scoped to a run.
	ListHooks(ctx context.Context, params ListHooksParams) (*HookPage, error)
}

// Storage is the full contract the engine consumes. Implementations swap
// freely; the engine never depends on a concrete backend.
type Storage interface {
	EventStore
	RunStore
	StepStore
	HookStore
	io.Closer
}
