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

// Package orchestrator re-executes workflow bodies against the event log.
// Each tick constructs a VM with a frozen clock, a seeded RNG, and a
// monotonic ULID factory derived from the run ID, so every durable
// operation the body reaches is assigned the same correlation ID on every
// replay. Operations whose outcome is already in the log resolve locally;
// the first operation with no event left to consume suspends the tick.
package orchestrator

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/engine/codec"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

// Config describes the replay context for one tick.
type Config struct {
	// RunID seeds the deterministic ID factory and RNG.
	RunID string

	// WorkflowName is the workflow being replayed.
	WorkflowName string

	// Input is the run's input sequence.
	Input []json.RawMessage

	// StartedAt freezes the VM clock at the run's start time.
	StartedAt time.Time

	// Log is the run's event log up to, but not through, this tick.
	Log []*event.Event

	// Codec resolves registered classes during replay. Nil uses the
	// process default registry.
	Codec *codec.Registry

	// TokenSource mints hook tokens on first reach. Nil uses random
	// UUIDs. Tokens are recorded in hook_created events, so real entropy
	// here does not break replay determinism.
	TokenSource func() string
}

// VM is the deterministic replay context for a single tick.
type VM struct {
	runID        string
	workflowName string
	input        []json.RawMessage
	now          time.Time
	rng          *mathrand.Rand
	ids          *event.IDFactory
	consumer     *EventsConsumer
	inv          *InvocationsQueue
	registry     *codec.Registry
	newToken     func() string
}

// New constructs a VM for one replay tick.
func New(cfg Config) *VM {
	registry := cfg.Codec
	if registry == nil {
		registry = codec.Default()
	}
	newToken := cfg.TokenSource
	if newToken == nil {
		newToken = uuid.NewString
	}
	return &VM{
		runID:        cfg.RunID,
		workflowName: cfg.WorkflowName,
		input:        cfg.Input,
		now:          cfg.StartedAt,
		rng:          event.SeededRand(cfg.RunID),
		ids:          event.NewReplayIDFactory(cfg.RunID, cfg.StartedAt),
		consumer:     NewEventsConsumer(cfg.Log),
		inv:          NewInvocationsQueue(),
		registry:     registry,
		newToken:     newToken,
	}
}

// RunID returns the run being replayed.
func (vm *VM) RunID() string { return vm.runID }

// WorkflowName returns the workflow name.
func (vm *VM) WorkflowName() string { return vm.workflowName }

// Input returns the run's input sequence.
func (vm *VM) Input() []json.RawMessage { return vm.input }

// Now returns the frozen replay clock: the run's start time on every tick.
func (vm *VM) Now() time.Time { return vm.now }

// Rand returns the replay RNG, seeded from the run ID.
func (vm *VM) Rand() *mathrand.Rand { return vm.rng }

// NewID returns the next deterministic ULID. Exposed so workflow bodies can
// derive stable identifiers such as stream names.
func (vm *VM) NewID() string { return vm.ids.New() }

// Codec returns the registry used to decode recorded outputs.
func (vm *VM) Codec() *codec.Registry { return vm.registry }

// Invocations returns the tick's invocations queue.
func (vm *VM) Invocations() *InvocationsQueue { return vm.inv }

// Future is a handle to a step invocation that has been registered but not
// yet awaited.
type Future struct {
	inv *Invocation
}

// CorrelationID returns the step's stable identifier.
func (f *Future) CorrelationID() string { return f.inv.CorrelationID }

// HookHandle is a durable rendez-vous created by the workflow body.
type HookHandle struct {
	inv *Invocation
}

// ID returns the hook's correlation ID.
func (h *HookHandle) ID() string { return h.inv.CorrelationID }

// Token returns the opaque external delivery token.
func (h *HookHandle) Token() string { return h.inv.Token }

// StepStart registers a step invocation without waiting for its outcome.
// Combined with Await this is the parallel-composition primitive; children
// are registered in call order so correlation IDs stay stable.
func (vm *VM) StepStart(name string, input json.RawMessage) *Future {
	inv := &Invocation{
		CorrelationID: vm.ids.NewCorrelation(event.PrefixStep),
		Kind:          KindStep,
		StepName:      name,
		Input:         input,
	}
	vm.inv.Register(inv)
	return &Future{inv: inv}
}

// Await blocks the replay until the step's terminal event has been
// observed, suspending the tick if the log runs out first. A recorded
// failure is returned as an error.
func (vm *VM) Await(f *Future) (json.RawMessage, error) {
	if err := vm.drainUntil(func() bool { return f.inv.Resolved }); err != nil {
		return nil, err
	}
	if f.inv.Failure != nil {
		failure := *f.inv.Failure
		return nil, &failure
	}
	return f.inv.Result, nil
}

// StepInvoke registers a step and awaits it.
func (vm *VM) StepInvoke(name string, input json.RawMessage) (json.RawMessage, error) {
	return vm.Await(vm.StepStart(name, input))
}

// Sleep suspends the workflow for the given duration, measured from the
// frozen replay clock.
func (vm *VM) Sleep(d time.Duration) error {
	return vm.SleepUntil(vm.now.Add(d))
}

// SleepUntil suspends the workflow until the given time. A resume time in
// the past completes on the next tick.
func (vm *VM) SleepUntil(at time.Time) error {
	inv := &Invocation{
		CorrelationID: vm.ids.NewCorrelation(event.PrefixWait),
		Kind:          KindWait,
		ResumeAt:      at,
	}
	vm.inv.Register(inv)
	if err := vm.drainUntil(func() bool { return inv.Resolved }); err != nil {
		return err
	}
	if inv.Failure != nil {
		failure := *inv.Failure
		return &failure
	}
	return nil
}

// CreateHook registers a hook invocation and returns its handle. On first
// reach a fresh token is minted; on replay the token recorded in
// hook_created is returned. CreateHook itself never suspends.
func (vm *VM) CreateHook(metadata json.RawMessage) (*HookHandle, error) {
	inv := &Invocation{
		CorrelationID: vm.ids.NewCorrelation(event.PrefixHook),
		Kind:          KindHook,
		Metadata:      metadata,
	}
	vm.inv.Register(inv)

	err := vm.drainUntil(func() bool { return inv.Acknowledged })
	if err != nil {
		if !errors.IsSuspension(err) {
			return nil, err
		}
		// First reach: no hook_created in the log yet.
		inv.Token = vm.newToken()
	}
	return &HookHandle{inv: inv}, nil
}

// AwaitHook blocks until the hook has an undelivered payload. Each call
// consumes the next payload in arrival order.
func (vm *VM) AwaitHook(h *HookHandle) (json.RawMessage, error) {
	for {
		if payload, ok := h.inv.NextReceipt(); ok {
			return payload, nil
		}
		if h.inv.Disposed {
			return nil, fmt.Errorf("hook %s disposed", h.inv.CorrelationID)
		}
		if err := vm.drainUntil(func() bool {
			return h.inv.consumed < len(h.inv.receipts) || h.inv.Disposed
		}); err != nil {
			return nil, err
		}
	}
}

// DrainRemaining consumes the rest of the log, dispatching every event to
// its invocation. The tick driver calls this after the body returns so
// first-reach detection sees the complete log.
func (vm *VM) DrainRemaining() error {
	for {
		ev, ok := vm.consumer.Next()
		if !ok {
			return nil
		}
		if err := vm.dispatch(ev); err != nil {
			return err
		}
	}
}

// drainUntil consumes events until done reports true, the log is exhausted
// (suspension), or an event contradicts the replay (runtime error).
func (vm *VM) drainUntil(done func() bool) error {
	for !done() {
		ev, ok := vm.consumer.Next()
		if !ok {
			return errors.ErrSuspended
		}
		if err := vm.dispatch(ev); err != nil {
			return err
		}
	}
	return nil
}

// dispatch routes an event to its invocation entry and folds it in. An
// event for an unknown correlation ID or of an unexpected kind means the
// log and the body disagree: the run is failed with a runtime error.
func (vm *VM) dispatch(ev *event.Event) error {
	inv, ok := vm.inv.Get(ev.CorrelationID)
	if !ok {
		return &errors.RuntimeError{
			CorrelationID: ev.CorrelationID,
			EventType:     string(ev.Type),
			Message:       "event does not correspond to any invocation reached by the workflow body",
		}
	}

	switch inv.Kind {
	case KindStep:
		return vm.dispatchStep(inv, ev)
	case KindWait:
		return vm.dispatchWait(inv, ev)
	case KindHook:
		return vm.dispatchHook(inv, ev)
	}
	return &errors.RuntimeError{
		CorrelationID: ev.CorrelationID,
		EventType:     string(ev.Type),
		Message:       fmt.Sprintf("invocation has unknown kind %q", inv.Kind),
	}
}

func (vm *VM) dispatchStep(inv *Invocation, ev *event.Event) error {
	switch ev.Type {
	case event.TypeStepStarted:
		var data event.StepStartedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Acknowledged = true
		inv.Attempt = data.Attempt
	case event.TypeStepRetrying:
		var data event.StepRetryingData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Attempt = data.Attempt
	case event.TypeStepCompleted:
		var data event.StepCompletedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Acknowledged = true
		inv.Resolved = true
		inv.Result = data.Output
	case event.TypeStepFailed:
		var data event.StepFailedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Acknowledged = true
		inv.Resolved = true
		failure := data.Error
		inv.Failure = &failure
	default:
		return vm.unexpected(inv, ev)
	}
	return nil
}

func (vm *VM) dispatchWait(inv *Invocation, ev *event.Event) error {
	switch ev.Type {
	case event.TypeWaitCreated:
		var data event.WaitCreatedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Acknowledged = true
		if !data.ResumeAt.IsZero() {
			inv.ResumeAt = data.ResumeAt
		}
	case event.TypeWaitCompleted:
		inv.Acknowledged = true
		inv.Resolved = true
	default:
		return vm.unexpected(inv, ev)
	}
	return nil
}

func (vm *VM) dispatchHook(inv *Invocation, ev *event.Event) error {
	switch ev.Type {
	case event.TypeHookCreated:
		var data event.HookCreatedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.Acknowledged = true
		inv.Token = data.Token
		if len(data.Metadata) > 0 {
			inv.Metadata = data.Metadata
		}
	case event.TypeHookReceived:
		var data event.HookReceivedData
		if err := event.DecodeData(ev, &data); err != nil {
			return err
		}
		inv.receipts = append(inv.receipts, data.Payload)
	case event.TypeHookDisposed:
		inv.Disposed = true
	default:
		return vm.unexpected(inv, ev)
	}
	return nil
}

func (vm *VM) unexpected(inv *Invocation, ev *event.Event) error {
	return &errors.RuntimeError{
		CorrelationID: ev.CorrelationID,
		EventType:     string(ev.Type),
		Message:       fmt.Sprintf("unexpected event type for %s invocation", inv.Kind),
	}
}
