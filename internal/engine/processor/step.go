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

	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/queue"
	"github.com/tombee/relay/internal/engine/steprun"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// handleStep runs one step attempt and schedules whatever comes next: a
// delayed retry message or a workflow tick to observe the terminal event.
func (p *Processor) handleStep(ctx context.Context, env queue.Envelope) error {
	if run, err := p.store.GetRun(ctx, env.RunID); err == nil {
		ctx = tracing.ExtractCarrier(ctx, run.TraceCarrier)
	} else if !errors.IsNotFound(err) {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "step.execute")
	span.SetAttributes(
		attribute.String("relay.run_id", env.RunID),
		attribute.String("relay.step_id", env.StepID),
		attribute.String("relay.step_name", env.StepName),
		attribute.Int("relay.attempt", env.Attempt),
	)
	defer span.End()

	started := time.Now()
	outcome, err := p.executor.Execute(ctx, steprun.Request{
		RunID:    env.RunID,
		StepID:   env.StepID,
		StepName: env.StepName,
		Input:    env.Input,
		Attempt:  env.Attempt,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.metrics.StepObserved("error", time.Since(started))
		return err
	}
	span.SetStatus(codes.Ok, "")

	switch {
	case outcome.Skipped:
		p.metrics.StepObserved("skipped", time.Since(started))
		return nil
	case outcome.Retry:
		p.metrics.StepObserved("retry", time.Since(started))
		return p.enqueueRetry(ctx, env, outcome)
	default:
		p.metrics.StepObserved("settled", time.Since(started))
		return p.enqueueTick(ctx, env.RunID, "tick:"+env.StepID)
	}
}

func (p *Processor) enqueueRetry(ctx context.Context, env queue.Envelope, outcome steprun.Outcome) error {
	payload, err := queue.Envelope{
		Kind:     queue.KindStepExecute,
		RunID:    env.RunID,
		StepID:   env.StepID,
		StepName: env.StepName,
		Input:    env.Input,
		Attempt:  outcome.NextAttempt,
	}.Encode()
	if err != nil {
		return err
	}
	_, err = p.bus.Send(ctx, queue.StepQueue, payload, queue.SendOptions{
		IdempotencyKey: fmt.Sprintf("step:%s:%d", env.StepID, outcome.NextAttempt),
		Delay:          outcome.RetryAfter,
	})
	return err
}

// handleTimer completes a durable wait once its deadline passes. A wait
// already completed by an early wake absorbs the timer as a conflict.
func (p *Processor) handleTimer(ctx context.Context, env queue.Envelope) error {
	res, err := p.store.AppendEvent(ctx, env.RunID, event.New{
		Type:          event.TypeWaitCompleted,
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		if errors.IsNotFound(err) {
			p.logger.Warn("dropping timer for unknown run")
			return nil
		}
		return err
	}
	return p.enqueueTick(ctx, env.RunID, "wake:"+res.Event.ID)
}
