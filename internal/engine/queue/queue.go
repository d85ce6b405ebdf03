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

// Package queue provides the durable message bus the engine drives itself
// with: at-least-once delivery, per-message visibility timeouts, delayed
// availability, idempotency keys, and a broker-level maximum message age.
package queue

import (
	"context"
	"time"
)

// Well-known queue names.
const (
	// WorkflowQueue carries workflow-tick messages.
	WorkflowQueue = "workflow"
	// StepQueue carries step-execute messages.
	StepQueue = "step"
	// TimerQueue carries delayed wait-completion messages.
	TimerQueue = "timer"
	// HealthQueuePrefix prefixes per-nonce health-check reply queues.
	HealthQueuePrefix = "health_reply"
)

// Message is a delivered queue message.
type Message struct {
	// ID is the broker-assigned message identifier.
	ID string

	// Queue is the queue the message was sent to.
	Queue string

	// Payload is the opaque message body.
	Payload []byte

	// IdempotencyKey deduplicates sends, when set.
	IdempotencyKey string

	// CreatedAt is the broker-side message age origin. Re-enqueueing a
	// logical message resets it.
	CreatedAt time.Time

	// DeliveryCount is how many times the message has been delivered,
	// including this delivery.
	DeliveryCount int
}

// SendOptions configures a send.
type SendOptions struct {
	// IdempotencyKey suppresses duplicate sends. A duplicate send is
	// silently absorbed: the broker returns a synthetic message ID and
	// enqueues nothing.
	IdempotencyKey string

	// Delay defers the message's first visibility.
	Delay time.Duration

	// DeploymentID routes the message to a specific deployment, for
	// brokers that partition by deployment. Informational here.
	DeploymentID string
}

// Delivery is one received message plus its settlement handle. Exactly one
// of Ack or Nack must be called; failing to settle before the visibility
// deadline causes redelivery.
type Delivery struct {
	Message

	// Ack removes the message from the queue.
	Ack func()

	// Nack makes the message immediately visible again.
	Nack func()

	// Extend pushes the visibility deadline out by d from now. Returns
	// false if the message is no longer in flight.
	Extend func(d time.Duration) bool
}

// Queue is the message bus contract.
type Queue interface {
	// Send enqueues a message and returns its broker-assigned ID.
	Send(ctx context.Context, queueName string, payload []byte, opts SendOptions) (string, error)

	// Receive blocks until a message is available on the named queue or
	// the context is cancelled. The message stays invisible to other
	// receivers for the given visibility window.
	Receive(ctx context.Context, queueName string, visibility time.Duration) (*Delivery, error)

	// Depth returns the number of messages currently queued (visible or
	// in flight) on the named queue.
	Depth(queueName string) int

	// MaxAge returns the broker-level maximum message age, after which
	// undelivered messages are dropped. Zero means unlimited.
	MaxAge() time.Duration

	// Close shuts the queue down; blocked Receives return ErrClosed.
	Close() error
}
