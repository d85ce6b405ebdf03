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

// Package steprun executes step invocations outside the replay sandbox.
// Steps run at most once per attempt against the live world: real clock,
// real network, real randomness. Durability comes from the events the
// executor appends around the user body, not from the body itself.
package steprun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Func is a step body. It receives a live context plus the step runtime
// handle; the returned value is encoded with the engine codec and recorded
// in step_completed.
type Func func(ctx context.Context, sc *Context, input json.RawMessage) (any, error)

// RetryPolicy controls how failed attempts are rescheduled.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the delay after each failure.
	BackoffFactor float64

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the engine's standard schedule: four attempts
// with exponential backoff starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		BackoffFactor:  2,
		MaxBackoff:     time.Minute,
	}
}

// Backoff returns the delay before the attempt after the given one.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Definition binds a step name to its body and retry schedule.
type Definition struct {
	Name  string
	Fn    Func
	Retry RetryPolicy
}

// Registry is the set of step definitions a worker can execute.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a step definition. Registering the same name twice is an
// error; step names are global within a worker.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if def.Fn == nil {
		return fmt.Errorf("step %q has no body", def.Name)
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry = DefaultRetryPolicy()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("step %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register that panics on error. For package-level setup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a step name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
