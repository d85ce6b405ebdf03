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

package queue

import "encoding/json"

// Payload kinds carried by engine messages.
const (
	// KindWorkflowTick asks a worker to replay a run.
	KindWorkflowTick = "workflow_tick"
	// KindStepExecute asks a worker to run one step attempt.
	KindStepExecute = "step_execute"
	// KindTimerFire completes a durable wait when its deadline passes.
	KindTimerFire = "timer_fire"
	// KindHealthCheck probes a consumer; the handler echoes the nonce to
	// the reply queue.
	KindHealthCheck = "health_check"
	// KindHealthReply is the echo sent back by a health-check handler.
	KindHealthReply = "health_reply"
)

// Envelope is the wire form of every engine message. Kind discriminates;
// unused fields stay empty.
type Envelope struct {
	Kind  string `json:"kind"`
	RunID string `json:"run_id,omitempty"`

	// Step execution fields (step_execute).
	StepID   string          `json:"step_id,omitempty"`
	StepName string          `json:"step_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`

	// CorrelationID addresses the wait to complete (timer_fire).
	CorrelationID string `json:"correlation_id,omitempty"`

	// Health-check fields.
	Nonce      string `json:"nonce,omitempty"`
	ReplyQueue string `json:"reply_queue,omitempty"`
}

// Encode marshals the envelope for Send.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a received payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(payload, &e)
	return e, err
}
