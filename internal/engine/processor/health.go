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

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/relay/internal/engine/queue"
)

// handleHealthCheck echoes the probe's nonce to its reply queue. The probe
// travels through the same queue as real work, so a successful echo proves
// the whole path: broker, delivery, handler dispatch, and the return send.
func (p *Processor) handleHealthCheck(ctx context.Context, env queue.Envelope) error {
	if env.ReplyQueue == "" || env.Nonce == "" {
		p.logger.Warn("dropping malformed health check")
		return nil
	}
	payload, err := queue.Envelope{Kind: queue.KindHealthReply, Nonce: env.Nonce}.Encode()
	if err != nil {
		return err
	}
	_, err = p.bus.Send(ctx, env.ReplyQueue, payload, queue.SendOptions{})
	return err
}

// HealthResult is the verdict of one end-to-end queue probe.
type HealthResult struct {
	// Target is the queue that was probed.
	Target string `json:"target"`

	// Healthy reports whether the echo came back in time.
	Healthy bool `json:"healthy"`

	// Error describes the failure when unhealthy.
	Error string `json:"error,omitempty"`

	// Latency is the round-trip time of the probe.
	Latency time.Duration `json:"latency_ns"`
}

// CheckHealth sends a health-check message through the target queue and
// waits up to timeout for a consumer to echo it back. It needs only the
// bus: the probed consumer is whatever processor is draining the target.
func CheckHealth(ctx context.Context, bus queue.Queue, target string, timeout time.Duration) HealthResult {
	nonce := uuid.NewString()
	replyQueue := queue.HealthQueuePrefix + ":" + nonce

	payload, err := queue.Envelope{
		Kind:       queue.KindHealthCheck,
		Nonce:      nonce,
		ReplyQueue: replyQueue,
	}.Encode()
	if err != nil {
		return HealthResult{Target: target, Error: err.Error()}
	}

	start := time.Now()
	if _, err := bus.Send(ctx, target, payload, queue.SendOptions{}); err != nil {
		return HealthResult{Target: target, Error: fmt.Sprintf("send failed: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		delivery, err := bus.Receive(ctx, replyQueue, timeout)
		if err != nil {
			return HealthResult{
				Target:  target,
				Error:   fmt.Sprintf("no reply within %s", timeout),
				Latency: time.Since(start),
			}
		}
		env, err := queue.DecodeEnvelope(delivery.Payload)
		delivery.Ack()
		if err != nil || env.Kind != queue.KindHealthReply || env.Nonce != nonce {
			continue
		}
		return HealthResult{Target: target, Healthy: true, Latency: time.Since(start)}
	}
}
