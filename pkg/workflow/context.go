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

package workflow

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"reflect"
	"time"

	"github.com/tombee/relay/internal/engine/orchestrator"
)

// Context is the replay-safe handle passed to workflow bodies. Every method
// that touches the outside world goes through the event log: on replay the
// recorded outcome is returned instead of re-executing the effect.
//
// Bodies must not read the wall clock, real randomness, or shared mutable
// state between primitives; use Now, Rand, and step outputs instead.
type Context struct {
	vm *orchestrator.VM
}

// NewContext adapts a replay VM into the authoring API. Called by the
// engine's tick driver; bodies never construct one.
func NewContext(vm *orchestrator.VM) *Context {
	return &Context{vm: vm}
}

// RunID returns the current run's identifier.
func (c *Context) RunID() string { return c.vm.RunID() }

// Now returns the run's start time. It is the same on every replay, which
// makes it safe to branch on.
func (c *Context) Now() time.Time { return c.vm.Now() }

// Rand returns a deterministic RNG seeded from the run ID. The sequence is
// identical on every replay as long as the body consumes it in the same
// order.
func (c *Context) Rand() *mathrand.Rand { return c.vm.Rand() }

// InputLen returns the number of input values the run was started with.
func (c *Context) InputLen() int { return len(c.vm.Input()) }

// Input decodes the i-th input value into dst.
func (c *Context) Input(i int, dst any) error {
	inputs := c.vm.Input()
	if i < 0 || i >= len(inputs) {
		return fmt.Errorf("input index %d out of range (%d inputs)", i, len(inputs))
	}
	return json.Unmarshal(inputs[i], dst)
}

// Step runs the named step durably and decodes its recorded output into
// out. On replay a completed step returns its log entry without executing;
// a recorded failure is returned as the step's error. Pass a nil out to
// discard the output.
func (c *Context) Step(name string, input any, out any) error {
	f, err := c.StepAsync(name, input)
	if err != nil {
		return err
	}
	return f.Await(out)
}

// StepAsync registers a step invocation and returns immediately. Use the
// returned Future to collect the result; futures started together execute
// in parallel. Correlation IDs are assigned in call order, so the set and
// order of StepAsync calls up to any point must be deterministic.
func (c *Context) StepAsync(name string, input any) (*Future, error) {
	encoded, err := c.vm.Codec().Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for step %q: %w", name, err)
	}
	return &Future{c: c, inner: c.vm.StepStart(name, encoded)}, nil
}

// Sleep pauses the workflow durably for d, measured from Now. The worker
// holds no resources while the run sleeps.
func (c *Context) Sleep(d time.Duration) error {
	return c.vm.Sleep(d)
}

// SleepUntil pauses the workflow durably until the given time.
func (c *Context) SleepUntil(at time.Time) error {
	return c.vm.SleepUntil(at)
}

// CreateHook creates a durable rendez-vous point. External systems deliver
// payloads to the hook's token; each Wait on the returned hook consumes the
// next payload in arrival order. Metadata is recorded with the hook and
// visible to operators.
func (c *Context) CreateHook(metadata any) (*Hook, error) {
	encoded, err := c.vm.Codec().Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode hook metadata: %w", err)
	}
	h, err := c.vm.CreateHook(encoded)
	if err != nil {
		return nil, err
	}
	return &Hook{c: c, inner: h}, nil
}

// Future is the pending result of a StepAsync call.
type Future struct {
	c     *Context
	inner *orchestrator.Future
}

// CorrelationID returns the step's stable identifier.
func (f *Future) CorrelationID() string { return f.inner.CorrelationID() }

// Await blocks until the step's outcome is in the log and decodes the
// output into out. Pass nil to discard the output.
func (f *Future) Await(out any) error {
	raw, err := f.c.vm.Await(f.inner)
	if err != nil {
		return err
	}
	return f.c.decodeOutput(raw, out)
}

// All awaits the given futures in order and returns the first error. The
// underlying steps were already registered by StepAsync, so they execute in
// parallel regardless of await order.
func All(futures ...*Future) error {
	for _, f := range futures {
		if err := f.Await(nil); err != nil {
			return err
		}
	}
	return nil
}

// Hook is a durable rendez-vous created by CreateHook.
type Hook struct {
	c     *Context
	inner *orchestrator.HookHandle
}

// ID returns the hook's correlation ID.
func (h *Hook) ID() string { return h.inner.ID() }

// Token returns the opaque token external callers deliver payloads to.
func (h *Hook) Token() string { return h.inner.Token() }

// Wait blocks until the hook has an undelivered payload and decodes it into
// out. Payloads queue: each Wait consumes the next one in arrival order.
func (h *Hook) Wait(out any) error {
	raw, err := h.c.vm.AwaitHook(h.inner)
	if err != nil {
		return err
	}
	return h.c.decodeOutput(raw, out)
}

// decodeOutput rehydrates a recorded value into out. Registered classes
// come back as their concrete types; everything else falls back to a JSON
// unmarshal.
func (c *Context) decodeOutput(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}

	val, err := c.vm.Codec().Unmarshal(raw)
	if err != nil {
		return err
	}
	if val == nil {
		return nil
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("output target must be a non-nil pointer, got %T", out)
	}
	target := rv.Elem()

	v := reflect.ValueOf(val)
	if v.Type().AssignableTo(target.Type()) {
		target.Set(v)
		return nil
	}
	if v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Type().AssignableTo(target.Type()) {
		target.Set(v.Elem())
		return nil
	}

	buf, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
