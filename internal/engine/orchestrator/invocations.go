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
	"time"

	"github.com/tombee/relay/internal/engine/event"
)

// Kind identifies the durable-operation family of an invocation.
type Kind string

// Invocation kinds.
const (
	KindStep Kind = "step"
	KindWait Kind = "wait"
	KindHook Kind = "hook"
)

// Invocation is the in-memory state of one durable operation during a
// single replay tick. Entries are created when the workflow body reaches a
// primitive and discarded when the tick yields.
type Invocation struct {
	// CorrelationID is the deterministic ULID tying the invocation to its
	// events.
	CorrelationID string

	// Kind is the operation family.
	Kind Kind

	// Acknowledged is set when the log contains the operation's
	// created/started event. Unacknowledged entries are first reaches and
	// must be flushed as side-effect requests when the tick yields.
	Acknowledged bool

	// Resolved is set when a terminal event for the operation has been
	// observed. Resolved step and wait entries no longer block run
	// completion.
	Resolved bool

	// Result carries the recorded output for resolved operations.
	Result json.RawMessage

	// Failure carries the recorded error for operations that failed.
	Failure *event.StructuredError

	// StepName and Input describe the step to execute (step kind).
	StepName string
	Input    json.RawMessage

	// Attempt is the last observed attempt number (step kind).
	Attempt int

	// ResumeAt is the wake deadline (wait kind).
	ResumeAt time.Time

	// Token and Metadata describe the hook (hook kind).
	Token    string
	Metadata json.RawMessage

	// Disposed is set when the hook has been disposed (hook kind).
	Disposed bool

	// receipts are hook_received payloads observed so far, in arrival
	// order; consumed tracks how many of them waits have taken.
	receipts []json.RawMessage
	consumed int
}

// NextReceipt returns the next undelivered hook payload, if any.
func (inv *Invocation) NextReceipt() (json.RawMessage, bool) {
	if inv.consumed < len(inv.receipts) {
		payload := inv.receipts[inv.consumed]
		inv.consumed++
		return payload, true
	}
	return nil, false
}

// Blocking reports whether the entry prevents run completion: any
// unacknowledged entry must be flushed first, and unresolved step and wait
// entries are still in flight. An acknowledged hook does not block.
func (inv *Invocation) Blocking() bool {
	if !inv.Acknowledged {
		return true
	}
	if inv.Kind == KindHook {
		return false
	}
	return !inv.Resolved
}

// InvocationsQueue is the ordered map of pending correlation IDs produced
// during a single replay pass. It belongs to that pass and is discarded
// when replay yields.
type InvocationsQueue struct {
	order   []string
	entries map[string]*Invocation
}

// NewInvocationsQueue creates an empty queue.
func NewInvocationsQueue() *InvocationsQueue {
	return &InvocationsQueue{entries: make(map[string]*Invocation)}
}

// Register inserts a provisional entry. Registration order is preserved for
// deterministic flushing.
func (q *InvocationsQueue) Register(inv *Invocation) {
	q.order = append(q.order, inv.CorrelationID)
	q.entries[inv.CorrelationID] = inv
}

// Get returns the entry for a correlation ID.
func (q *InvocationsQueue) Get(correlationID string) (*Invocation, bool) {
	inv, ok := q.entries[correlationID]
	return inv, ok
}

// Unacknowledged returns first-reach entries in registration order. These
// are the side-effect requests the tick driver must flush.
func (q *InvocationsQueue) Unacknowledged() []*Invocation {
	var out []*Invocation
	for _, id := range q.order {
		if inv := q.entries[id]; !inv.Acknowledged {
			out = append(out, inv)
		}
	}
	return out
}

// Blocking reports whether any entry prevents run completion.
func (q *InvocationsQueue) Blocking() bool {
	for _, inv := range q.entries {
		if inv.Blocking() {
			return true
		}
	}
	return false
}

// Len returns the number of registered entries.
func (q *InvocationsQueue) Len() int { return len(q.entries) }
