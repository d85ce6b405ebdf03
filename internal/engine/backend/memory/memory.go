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

// Package memory provides an in-memory storage backend for tests and
// single-process deployments. All state is lost on process exit.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.EventStore = (*Backend)(nil)
	_ backend.RunStore   = (*Backend)(nil)
	_ backend.StepStore  = (*Backend)(nil)
	_ backend.HookStore  = (*Backend)(nil)
	_ backend.Storage    = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu           sync.RWMutex
	ids          *event.IDFactory
	runs         map[string]*runState
	runOrder     []string
	hooksByToken map[string]hookRef
	now          func() time.Time
}

type hookRef struct {
	runID  string
	hookID string
}

type runState struct {
	run            *backend.Run
	events         []*event.Event
	steps          map[string]*backend.Step
	stepOrder      []string
	hooks          map[string]*backend.Hook
	hookOrder      []string
	terminalByCorr map[string]bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		ids:          event.NewIDFactory(),
		runs:         make(map[string]*runState),
		hooksByToken: make(map[string]hookRef),
		now:          time.Now,
	}
}

// SetClock overrides the append timestamp source. Test hook.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AppendEvent atomically appends an event and updates projections.
func (b *Backend) AppendEvent(ctx context.Context, runID string, ev event.New) (*backend.AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		if ev.Type != event.TypeRunCreated {
			return nil, &errors.NotFoundError{Resource: "run", ID: ""}
		}
		runID = b.ids.New()
	}

	rs := b.runs[runID]
	var currentRun *backend.Run
	var currentHook *backend.Hook
	if rs != nil {
		currentRun = rs.run
		if ev.CorrelationID != "" {
			currentHook = rs.hooks[ev.CorrelationID]
		}
	}

	hasTerminal := false
	if rs != nil && ev.CorrelationID != "" {
		hasTerminal = rs.terminalByCorr[ev.CorrelationID]
	}

	if err := backend.ValidateAppend(currentRun, ev, hasTerminal, currentHook); err != nil {
		return nil, err
	}

	result, err := b.appendLocked(runID, ev)
	if err != nil {
		return nil, err
	}

	// A run-terminal event implicitly disposes every outstanding hook.
	if ev.Type.RunTerminal() {
		rs := b.runs[runID]
		for _, hookID := range rs.hookOrder {
			hook := rs.hooks[hookID]
			if hook.Disposed {
				continue
			}
			disposal, err := backend.TerminalDisposalEvent(hookID)
			if err != nil {
				return nil, err
			}
			if _, err := b.appendLocked(runID, disposal); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// appendLocked stores the event and folds it into the projections. The
// caller holds the write lock and has already validated the append.
func (b *Backend) appendLocked(runID string, ev event.New) (*backend.AppendResult, error) {
	stored := &event.Event{
		ID:            b.ids.New(),
		RunID:         runID,
		Type:          ev.Type,
		CorrelationID: ev.CorrelationID,
		Data:          ev.Data,
		CreatedAt:     b.now().UTC(),
	}

	rs := b.runs[runID]
	if ev.Type == event.TypeRunCreated {
		run, err := backend.NewRunFromEvent(stored)
		if err != nil {
			return nil, err
		}
		rs = &runState{
			run:            run,
			steps:          make(map[string]*backend.Step),
			hooks:          make(map[string]*backend.Hook),
			terminalByCorr: make(map[string]bool),
		}
		b.runs[runID] = rs
		b.runOrder = append(b.runOrder, runID)
	} else {
		if err := backend.ApplyToRun(rs.run, stored); err != nil {
			return nil, err
		}
	}

	rs.events = append(rs.events, stored)
	if ev.CorrelationID != "" && ev.Type.Terminal() {
		rs.terminalByCorr[ev.CorrelationID] = true
	}

	result := &backend.AppendResult{
		Event: copyEvent(stored),
		Run:   copyRun(rs.run),
	}

	step, err := backend.ApplyToStep(rs.steps[ev.CorrelationID], stored)
	if err != nil {
		return nil, err
	}
	if step != nil {
		if _, known := rs.steps[ev.CorrelationID]; !known {
			rs.stepOrder = append(rs.stepOrder, ev.CorrelationID)
		}
		rs.steps[ev.CorrelationID] = step
		result.Step = copyStep(step)
	}

	hook, err := backend.ApplyToHook(rs.hooks[ev.CorrelationID], stored)
	if err != nil {
		return nil, err
	}
	if hook != nil && isHookEvent(ev.Type) {
		if _, known := rs.hooks[ev.CorrelationID]; !known {
			rs.hookOrder = append(rs.hookOrder, ev.CorrelationID)
			b.hooksByToken[hook.Token] = hookRef{runID: runID, hookID: hook.ID}
		}
		rs.hooks[ev.CorrelationID] = hook
		result.Hook = copyHook(hook)
	}

	return result, nil
}

func isHookEvent(t event.Type) bool {
	return t == event.TypeHookCreated || t == event.TypeHookReceived || t == event.TypeHookDisposed
}

// GetRun retrieves a run snapshot by ID.
func (b *Backend) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rs, ok := b.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return copyRun(rs.run), nil
}

// ListRuns lists runs in creation order with cursor pagination.
func (b *Backend) ListRuns(ctx context.Context, params backend.ListRunsParams) (*backend.RunPage, error) {
	filter, err := backend.CompileRunFilter(params.Filter)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	order := b.runOrder
	if params.Descending {
		order = reversed(order)
	}
	start := cursorIndex(order, params.Cursor)

	limit := params.EffectiveLimit()
	page := &backend.RunPage{}
	for _, id := range order[start:] {
		run := b.runs[id].run
		if params.Status != "" && run.Status != params.Status {
			continue
		}
		if params.WorkflowName != "" && run.WorkflowName != params.WorkflowName {
			continue
		}
		if params.IDPrefix != "" && !strings.HasPrefix(run.ID, params.IDPrefix) {
			continue
		}
		matched, err := filter.Match(run)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		page.Runs = append(page.Runs, copyRun(run))
		if len(page.Runs) == limit {
			page.NextCursor = run.ID
			break
		}
	}
	return page, nil
}

// GetStep retrieves a step snapshot by run and step ID.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*backend.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rs, ok := b.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	step, ok := rs.steps[stepID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return copyStep(step), nil
}

// ListSteps lists a run's steps in first-start order.
func (b *Backend) ListSteps(ctx context.Context, params backend.ListStepsParams) (*backend.StepPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rs, ok := b.runs[params.RunID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: params.RunID}
	}

	order := rs.stepOrder
	if params.Descending {
		order = reversed(order)
	}
	start := cursorIndex(order, params.Cursor)

	limit := params.EffectiveLimit()
	page := &backend.StepPage{}
	for _, id := range order[start:] {
		step := rs.steps[id]
		if params.Status != "" && step.Status != params.Status {
			continue
		}
		page.Steps = append(page.Steps, copyStep(step))
		if len(page.Steps) == limit {
			page.NextCursor = step.ID
			break
		}
	}
	return page, nil
}

// ListEvents returns a page of a run's log ordered by event ID.
func (b *Backend) ListEvents(ctx context.Context, params backend.ListEventsParams) (*backend.EventPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rs, ok := b.runs[params.RunID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: params.RunID}
	}

	events := rs.events
	if params.Descending {
		events = reversedEvents(events)
	}

	start := 0
	if params.Cursor != "" {
		for i, ev := range events {
			if ev.ID == params.Cursor {
				start = i + 1
				break
			}
		}
	}

	limit := params.EffectiveLimit()
	page := &backend.EventPage{}
	for _, ev := range events[start:] {
		if params.CorrelationID != "" && ev.CorrelationID != params.CorrelationID {
			continue
		}
		page.Events = append(page.Events, copyEvent(ev))
		if len(page.Events) == limit {
			page.NextCursor = ev.ID
			break
		}
	}
	return page, nil
}

// GetHook retrieves a hook by ID, searching across runs.
func (b *Backend) GetHook(ctx context.Context, hookID string) (*backend.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, rs := range b.runs {
		if hook, ok := rs.hooks[hookID]; ok {
			return copyHook(hook), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
}

// GetHookByToken resolves the hook addressed by an external token.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*backend.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ref, ok := b.hooksByToken[token]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "hook", ID: "token"}
	}
	return copyHook(b.runs[ref.runID].hooks[ref.hookID]), nil
}

// ListHooks lists hooks, scoped to a run when RunID is set.
func (b *Backend) ListHooks(ctx context.Context, params backend.ListHooksParams) (*backend.HookPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	var lookup func(id string) *backend.Hook
	if params.RunID != "" {
		rs, ok := b.runs[params.RunID]
		if !ok {
			return nil, &errors.NotFoundError{Resource: "run", ID: params.RunID}
		}
		ids = rs.hookOrder
		lookup = func(id string) *backend.Hook { return rs.hooks[id] }
	} else {
		for _, runID := range b.runOrder {
			ids = append(ids, b.runs[runID].hookOrder...)
		}
		lookup = func(id string) *backend.Hook {
			for _, rs := range b.runs {
				if hook, ok := rs.hooks[id]; ok {
					return hook
				}
			}
			return nil
		}
	}

	if params.Descending {
		ids = reversed(ids)
	}
	start := cursorIndex(ids, params.Cursor)

	limit := params.EffectiveLimit()
	page := &backend.HookPage{}
	for _, id := range ids[start:] {
		hook := lookup(id)
		if hook == nil {
			continue
		}
		if hook.Disposed && !params.IncludeDisposed {
			continue
		}
		page.Hooks = append(page.Hooks, copyHook(hook))
		if len(page.Hooks) == limit {
			page.NextCursor = hook.ID
			break
		}
	}
	return page, nil
}

// Close releases resources. No-op for the memory backend.
func (b *Backend) Close() error { return nil }

func cursorIndex(order []string, cursor string) int {
	if cursor == "" {
		return 0
	}
	for i, id := range order {
		if id == cursor {
			return i + 1
		}
	}
	return len(order)
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func reversedEvents(in []*event.Event) []*event.Event {
	out := make([]*event.Event, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func copyRun(run *backend.Run) *backend.Run {
	if run == nil {
		return nil
	}
	c := *run
	if run.Error != nil {
		e := *run.Error
		c.Error = &e
	}
	c.Input = append([]json.RawMessage(nil), run.Input...)
	c.TraceCarrier = copyCarrier(run.TraceCarrier)
	c.CompletedAt = copyTimePtr(run.CompletedAt)
	c.ExpiresAt = copyTimePtr(run.ExpiresAt)
	return &c
}

func copyStep(step *backend.Step) *backend.Step {
	if step == nil {
		return nil
	}
	c := *step
	if step.Error != nil {
		e := *step.Error
		c.Error = &e
	}
	c.CompletedAt = copyTimePtr(step.CompletedAt)
	c.RetryAfter = copyTimePtr(step.RetryAfter)
	return &c
}

func copyHook(hook *backend.Hook) *backend.Hook {
	if hook == nil {
		return nil
	}
	c := *hook
	c.DisposedAt = copyTimePtr(hook.DisposedAt)
	return &c
}

func copyEvent(ev *event.Event) *event.Event {
	c := *ev
	return &c
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyCarrier(carrier map[string]string) map[string]string {
	if carrier == nil {
		return nil
	}
	out := make(map[string]string, len(carrier))
	for k, v := range carrier {
		out[k] = v
	}
	return out
}
