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
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/orchestrator"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
	"github.com/tombee/relay/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HookPolicyQueued is the delivery policy recorded on every hook: payloads
// queue, and each workflow-side wait consumes the next one in arrival order.
const HookPolicyQueued = "queued"

// handleTick replays a run and settles the outcome: a terminal event on
// completion or failure, or a flush of first-reach side effects on
// suspension. Duplicate ticks are harmless; all effects are idempotent.
func (p *Processor) handleTick(ctx context.Context, env queue.Envelope) error {
	run, err := p.store.GetRun(ctx, env.RunID)
	if err != nil {
		if errors.IsNotFound(err) {
			p.logger.Warn("dropping tick for unknown run", log.String(log.RunIDKey, env.RunID))
			return nil
		}
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Expired(p.now()) {
		return p.failRun(ctx, run.ID, event.StructuredError{
			Message: "run expired before completion",
			Code:    errors.CodeRunExpired,
		})
	}

	fn, ok := p.workflows.Get(run.WorkflowName)
	if !ok {
		return p.failRun(ctx, run.ID, event.StructuredError{
			Message: "workflow " + run.WorkflowName + " is not registered on this worker",
			Code:    errors.CodeWorkflowRuntime,
		})
	}

	events, err := p.loadLog(ctx, run.ID)
	if err != nil {
		return err
	}

	ctx = tracing.ExtractCarrier(ctx, run.TraceCarrier)
	ctx, span := p.tracer.Start(ctx, "workflow.tick")
	span.SetAttributes(
		attribute.String("relay.run_id", run.ID),
		attribute.String("relay.workflow", run.WorkflowName),
	)
	defer span.End()

	vm := orchestrator.New(orchestrator.Config{
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Input:        run.Input,
		StartedAt:    run.StartedAt,
		Log:          events,
		Codec:        p.codec,
	})

	started := time.Now()
	res := orchestrator.RunTick(vm, func(vm *orchestrator.VM) (any, error) {
		return fn(workflow.NewContext(vm))
	})

	switch {
	case res.Completed:
		p.metrics.TickObserved("completed", time.Since(started))
		span.SetStatus(codes.Ok, "")
		return p.completeRun(ctx, run.ID, res.Output)
	case res.Failed:
		p.metrics.TickObserved("failed", time.Since(started))
		span.SetStatus(codes.Error, res.Failure.Error())
		p.logger.Warn("run failed",
			log.String(log.RunIDKey, run.ID),
			log.String(log.WorkflowKey, run.WorkflowName),
			log.Error(res.Failure))
		return p.failRun(ctx, run.ID, event.CaptureError(res.Failure))
	default:
		p.metrics.TickObserved("suspended", time.Since(started))
		span.SetStatus(codes.Ok, "")
		return p.flush(ctx, run.ID, res.Flush)
	}
}

// flush emits the created events and side-effect messages for every
// first-reach invocation, in registration order. Re-flushing after a crash
// is safe: appends of already-recorded events are either absorbed on the
// next replay and sends are deduplicated by idempotency key.
func (p *Processor) flush(ctx context.Context, runID string, pending []*orchestrator.Invocation) error {
	for _, inv := range pending {
		switch inv.Kind {
		case orchestrator.KindStep:
			if err := p.flushStep(ctx, runID, inv); err != nil {
				return err
			}
		case orchestrator.KindWait:
			if err := p.flushWait(ctx, runID, inv); err != nil {
				return err
			}
		case orchestrator.KindHook:
			if err := p.flushHook(ctx, runID, inv); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushStep enqueues the first attempt. step_started is appended by the
// executor when the attempt actually begins, so the only flush effect is
// the message; the idempotency key absorbs duplicate flushes.
func (p *Processor) flushStep(ctx context.Context, runID string, inv *orchestrator.Invocation) error {
	payload, err := queue.Envelope{
		Kind:     queue.KindStepExecute,
		RunID:    runID,
		StepID:   inv.CorrelationID,
		StepName: inv.StepName,
		Input:    inv.Input,
		Attempt:  1,
	}.Encode()
	if err != nil {
		return err
	}
	_, err = p.bus.Send(ctx, queue.StepQueue, payload, queue.SendOptions{
		IdempotencyKey: "step:" + inv.CorrelationID + ":1",
	})
	return err
}

// flushWait records the wait and schedules its timer message with a delay
// matching the resume deadline.
func (p *Processor) flushWait(ctx context.Context, runID string, inv *orchestrator.Invocation) error {
	data, err := event.EncodeData(event.WaitCreatedData{ResumeAt: inv.ResumeAt})
	if err != nil {
		return err
	}
	if _, err := p.store.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeWaitCreated,
		CorrelationID: inv.CorrelationID,
		Data:          data,
	}); err != nil && !errors.IsConflict(err) {
		return err
	}

	payload, err := queue.Envelope{
		Kind:          queue.KindTimerFire,
		RunID:         runID,
		CorrelationID: inv.CorrelationID,
	}.Encode()
	if err != nil {
		return err
	}
	delay := inv.ResumeAt.Sub(p.now())
	if delay < 0 {
		delay = 0
	}
	_, err = p.bus.Send(ctx, queue.TimerQueue, payload, queue.SendOptions{
		IdempotencyKey: "timer:" + inv.CorrelationID,
		Delay:          delay,
	})
	return err
}

// flushHook records the hook with its freshly minted token. No message is
// sent; the run stays suspended until an external delivery arrives.
func (p *Processor) flushHook(ctx context.Context, runID string, inv *orchestrator.Invocation) error {
	data, err := event.EncodeData(event.HookCreatedData{
		Token:    inv.Token,
		Metadata: inv.Metadata,
		Policy:   HookPolicyQueued,
	})
	if err != nil {
		return err
	}
	_, err = p.store.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeHookCreated,
		CorrelationID: inv.CorrelationID,
		Data:          data,
	})
	if errors.IsConflict(err) {
		return nil
	}
	return err
}

func (p *Processor) completeRun(ctx context.Context, runID string, output []byte) error {
	data, err := event.EncodeData(event.RunCompletedData{Output: output})
	if err != nil {
		return err
	}
	_, err = p.store.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunCompleted,
		Data: data,
	})
	if errors.IsConflict(err) {
		return nil
	}
	if err == nil {
		p.metrics.RunSettled(string(backend.RunCompleted))
	}
	return err
}

func (p *Processor) failRun(ctx context.Context, runID string, failure event.StructuredError) error {
	data, err := event.EncodeData(event.RunFailedData{Error: failure})
	if err != nil {
		return err
	}
	_, err = p.store.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunFailed,
		Data: data,
	})
	if errors.IsConflict(err) {
		return nil
	}
	if err == nil {
		p.metrics.RunSettled(string(backend.RunFailed))
	}
	return err
}

// loadLog pages through the run's entire event log in append order.
func (p *Processor) loadLog(ctx context.Context, runID string) ([]*event.Event, error) {
	var (
		events []*event.Event
		cursor string
	)
	for {
		page, err := p.store.ListEvents(ctx, backend.ListEventsParams{
			RunID: runID,
			Page:  backend.Page{Cursor: cursor, Limit: backend.DefaultPageLimit},
		})
		if err != nil {
			return nil, err
		}
		events = append(events, page.Events...)
		if page.NextCursor == "" {
			return events, nil
		}
		cursor = page.NextCursor
	}
}
