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
	"github.com/tombee/relay/internal/engine/event"
)

// EventsConsumer is the replay cursor: it feeds the next unobserved
// correlation event to whichever durable operation is currently draining.
// Run-level events are filtered out at construction; the cursor only ever
// yields events addressed to a correlation ID.
type EventsConsumer struct {
	events []*event.Event
	pos    int
}

// NewEventsConsumer builds a cursor over a run's log. Events produced in the
// current tick must not be part of the view.
func NewEventsConsumer(log []*event.Event) *EventsConsumer {
	filtered := make([]*event.Event, 0, len(log))
	for _, ev := range log {
		if ev.CorrelationID == "" {
			continue
		}
		filtered = append(filtered, ev)
	}
	return &EventsConsumer{events: filtered}
}

// Next returns the next unobserved event, or false when the log is
// exhausted. Exhaustion while an operation is still waiting is the
// suspension condition.
func (c *EventsConsumer) Next() (*event.Event, bool) {
	if c.pos >= len(c.events) {
		return nil, false
	}
	ev := c.events[c.pos]
	c.pos++
	return ev, true
}

// Remaining reports how many events have not been observed yet.
func (c *EventsConsumer) Remaining() int {
	return len(c.events) - c.pos
}
