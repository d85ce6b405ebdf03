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

// Package workflow is the authoring surface of the engine. A workflow body
// is ordinary Go code written against Context; the engine re-executes it
// from the top on every tick, so bodies must perform all side effects
// through Context primitives and must be deterministic between them.
package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Func is a workflow body. The returned value is recorded as the run output
// when the body returns and no durable operation is still pending.
type Func func(c *Context) (any, error)

// Registry maps workflow names to bodies.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a workflow under a unique name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q has no body", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics on error. For package-level setup.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Get returns the body registered under name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
