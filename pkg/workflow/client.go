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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/codec"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
)

// Client starts and steers runs from outside the engine: API handlers, CLIs,
// and external services hold a Client, never the storage or queue directly.
type Client struct {
	store   backend.Storage
	bus     queue.Queue
	streams stream.Streamer
	codec   *codec.Registry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec overrides the codec registry used to encode inputs.
func WithClientCodec(registry *codec.Registry) ClientOption {
	return func(c *Client) { c.codec = registry }
}

// NewClient wires a client over storage, the message bus, and the stream
// sink.
func NewClient(store backend.Storage, bus queue.Queue, streams stream.Streamer, opts ...ClientOption) *Client {
	c := &Client{
		store:   store,
		bus:     bus,
		streams: streams,
		codec:   codec.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartOption configures a Start call.
type StartOption func(*startConfig)

type startConfig struct {
	expiresIn time.Duration
}

// WithExpiry gives the run a deadline; an expired run is failed instead of
// ticked when the engine next touches it.
func WithExpiry(d time.Duration) StartOption {
	return func(cfg *startConfig) { cfg.expiresIn = d }
}

// Start creates a run of the named workflow and enqueues its first tick.
// The current trace context is captured into the run, so spans recorded by
// workers join the caller's trace. Returns the new run ID.
func (c *Client) Start(ctx context.Context, workflowName string, inputs []any, opts ...StartOption) (string, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	encoded := make([]json.RawMessage, 0, len(inputs))
	for i, in := range inputs {
		raw, err := c.codec.Marshal(in)
		if err != nil {
			return "", fmt.Errorf("encode input %d: %w", i, err)
		}
		encoded = append(encoded, raw)
	}

	created := event.RunCreatedData{
		WorkflowName: workflowName,
		Input:        encoded,
		TraceCarrier: tracing.InjectCarrier(ctx),
	}
	if cfg.expiresIn > 0 {
		expiresAt := time.Now().Add(cfg.expiresIn)
		created.ExpiresAt = &expiresAt
	}

	data, err := event.EncodeData(created)
	if err != nil {
		return "", err
	}
	res, err := c.store.AppendEvent(ctx, "", event.New{
		Type: event.TypeRunCreated,
		Data: data,
	})
	if err != nil {
		return "", err
	}
	runID := res.Run.ID

	if err := c.enqueueTick(ctx, runID, "start:"+res.Event.ID); err != nil {
		return "", err
	}
	return runID, nil
}

// Cancel terminates a run. Outstanding hooks are disposed by storage in the
// same transaction. Cancelling an already-terminal run is a no-op.
func (c *Client) Cancel(ctx context.Context, runID, reason string) error {
	data, err := event.EncodeData(event.RunCancelledData{Reason: reason})
	if err != nil {
		return err
	}
	_, err = c.store.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunCancelled,
		Data: data,
	})
	if errors.IsConflict(err) {
		return nil
	}
	return err
}

// ResumeHook delivers a payload to the hook addressed by token and wakes the
// run. Deliveries queue; each workflow-side wait consumes the next one in
// arrival order.
func (c *Client) ResumeHook(ctx context.Context, token string, payload any) error {
	hook, err := c.store.GetHookByToken(ctx, token)
	if err != nil {
		return err
	}
	if hook.Disposed {
		return fmt.Errorf("hook %s: %w", hook.ID, errors.New("hook already disposed"))
	}

	raw, err := c.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode hook payload: %w", err)
	}
	data, err := event.EncodeData(event.HookReceivedData{Payload: raw})
	if err != nil {
		return err
	}
	res, err := c.store.AppendEvent(ctx, hook.RunID, event.New{
		Type:          event.TypeHookReceived,
		CorrelationID: hook.ID,
		Data:          data,
	})
	if err != nil {
		return err
	}
	return c.enqueueTick(ctx, hook.RunID, "hook:"+res.Event.ID)
}

// WakeSleep completes a durable wait before its deadline and wakes the run.
// The late timer message finds the wait already completed and is absorbed.
func (c *Client) WakeSleep(ctx context.Context, runID, correlationID string) error {
	res, err := c.store.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeWaitCompleted,
		CorrelationID: correlationID,
	})
	if err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}
	return c.enqueueTick(ctx, runID, "wake:"+res.Event.ID)
}

// GetRun retrieves a run snapshot.
func (c *Client) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// ListRuns lists runs with optional filtering.
func (c *Client) ListRuns(ctx context.Context, params backend.ListRunsParams) (*backend.RunPage, error) {
	return c.store.ListRuns(ctx, params)
}

// ListSteps lists a run's steps.
func (c *Client) ListSteps(ctx context.Context, params backend.ListStepsParams) (*backend.StepPage, error) {
	return c.store.ListSteps(ctx, params)
}

// ListEvents pages through a run's event log.
func (c *Client) ListEvents(ctx context.Context, params backend.ListEventsParams) (*backend.EventPage, error) {
	return c.store.ListEvents(ctx, params)
}

// ListHooks lists a run's hooks.
func (c *Client) ListHooks(ctx context.Context, params backend.ListHooksParams) (*backend.HookPage, error) {
	return c.store.ListHooks(ctx, params)
}

// ReadStream returns a lazy reader over a run's stream starting at
// startIndex. The reader blocks for new chunks until the stream is done.
func (c *Client) ReadStream(ctx context.Context, runID, name string, startIndex int) (stream.Reader, error) {
	return c.streams.Read(ctx, runID, name, startIndex)
}

// StatStream reports a stream's chunk count and done flag.
func (c *Client) StatStream(ctx context.Context, runID, name string) (*stream.Info, error) {
	return c.streams.Stat(ctx, runID, name)
}

// ListStreams enumerates the stream names attached to a run.
func (c *Client) ListStreams(ctx context.Context, runID string) ([]string, error) {
	return c.streams.ListByRun(ctx, runID)
}

func (c *Client) enqueueTick(ctx context.Context, runID, idempotencyKey string) error {
	payload, err := queue.Envelope{Kind: queue.KindWorkflowTick, RunID: runID}.Encode()
	if err != nil {
		return err
	}
	_, err = c.bus.Send(ctx, queue.WorkflowQueue, payload, queue.SendOptions{
		IdempotencyKey: idempotencyKey,
	})
	return err
}
