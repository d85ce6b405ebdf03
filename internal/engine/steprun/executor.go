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

package steprun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/codec"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/pkg/errors"
)

// Reserved step names for durable stream operations issued from workflow
// bodies. Workflow-side stream writes must survive replay, so they are
// recorded as ordinary steps and executed here against the sink.
const (
	StreamWriteStep = "$stream.write"
	StreamCloseStep = "$stream.close"
)

// StreamOpInput is the input of the reserved stream steps.
type StreamOpInput struct {
	Stream string `json:"stream"`
	Data   []byte `json:"data,omitempty"`
}

// StreamWriteOutput is the recorded output of a durable stream write.
type StreamWriteOutput struct {
	Index int `json:"index"`
}

// Request describes one step-execute message.
type Request struct {
	RunID    string          `json:"run_id"`
	StepID   string          `json:"step_id"`
	StepName string          `json:"step_name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Attempt  int             `json:"attempt"`
}

// Outcome tells the message processor what to do after an execution.
type Outcome struct {
	// Skipped means the work was already done or the run is no longer
	// live: acknowledge the message, enqueue nothing.
	Skipped bool

	// Settled means a terminal step event was appended; the run needs a
	// workflow tick to observe it.
	Settled bool

	// Retry schedules the next attempt after RetryAfter.
	Retry       bool
	RetryAfter  time.Duration
	NextAttempt int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock overrides the executor's time source. Test hook.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithExecutorCodec overrides the codec registry used to encode outputs.
func WithExecutorCodec(registry *codec.Registry) ExecutorOption {
	return func(e *Executor) { e.codec = registry }
}

// Executor runs step attempts: it brackets the user body with step_started
// and a terminal event, applies the retry schedule, and settles streams the
// body left open.
type Executor struct {
	store   backend.Storage
	streams stream.Streamer
	steps   *Registry
	codec   *codec.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor wires an executor over storage, the stream sink, and the step
// registry.
func NewExecutor(store backend.Storage, streams stream.Streamer, steps *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:   store,
		streams: streams,
		steps:   steps,
		codec:   codec.Default(),
		logger:  log.WithComponent(logger, "steprun"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes one step-execute request. Duplicate deliveries are
// absorbed: a terminal run, an already-settled step, or an append conflict
// all yield a skip rather than an error.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	logger := log.WithStep(e.logger, req.RunID, req.StepID, attempt)

	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.Warn("dropping step for unknown run")
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}
	if run.Status.Terminal() {
		logger.Debug("dropping step for terminal run", log.String("run_status", string(run.Status)))
		return Outcome{Skipped: true}, nil
	}

	if step, err := e.store.GetStep(ctx, req.RunID, req.StepID); err == nil {
		if step.Status == backend.StepCompleted || step.Status == backend.StepFailed || step.Status == backend.StepCancelled {
			logger.Debug("step already settled", log.String("step_status", string(step.Status)))
			return Outcome{Skipped: true}, nil
		}
	} else if !errors.IsNotFound(err) {
		return Outcome{}, err
	}

	startedData, err := event.EncodeData(event.StepStartedData{
		StepName: req.StepName,
		Input:    req.Input,
		Attempt:  attempt,
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.store.AppendEvent(ctx, req.RunID, event.New{
		Type:          event.TypeStepStarted,
		CorrelationID: req.StepID,
		Data:          startedData,
	}); err != nil {
		if errors.IsConflict(err) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}

	logger.Info("executing step", log.String("step_name", req.StepName))

	output, stepErr := e.runBody(ctx, req, attempt, logger)
	if stepErr == nil {
		return e.settleCompleted(ctx, req, attempt, output)
	}
	return e.settleFailed(ctx, req, attempt, stepErr, logger)
}

// runBody executes the step body, reserved stream steps included, and
// converts panics into errors so a crashing step settles like a failing one.
func (e *Executor) runBody(ctx context.Context, req Request, attempt int, logger *slog.Logger) (output json.RawMessage, err error) {
	switch req.StepName {
	case StreamWriteStep, StreamCloseStep:
		return e.runStreamOp(ctx, req)
	}

	def, ok := e.steps.Get(req.StepName)
	if !ok {
		return nil, errors.Fatalf("step %q is not registered on this worker", req.StepName)
	}

	sc := &Context{
		runID:    req.RunID,
		stepID:   req.StepID,
		stepName: req.StepName,
		attempt:  attempt,
		streams:  e.streams,
		logger:   logger,
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
		if err == nil {
			sc.closeOpened(ctx)
		}
	}()

	result, err := def.Fn(ctx, sc, req.Input)
	if err != nil {
		return nil, err
	}
	return e.codec.Marshal(result)
}

// runStreamOp performs the durable stream operations recorded on behalf of
// workflow bodies.
func (e *Executor) runStreamOp(ctx context.Context, req Request) (json.RawMessage, error) {
	var input StreamOpInput
	if err := json.Unmarshal(req.Input, &input); err != nil {
		return nil, errors.Fatalf("invalid stream operation input: %v", err)
	}
	if input.Stream == "" {
		return nil, errors.Fatalf("stream operation is missing a stream name")
	}

	switch req.StepName {
	case StreamWriteStep:
		index, err := e.streams.Write(ctx, req.RunID, input.Stream, input.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(StreamWriteOutput{Index: index})
	case StreamCloseStep:
		if err := e.streams.CloseStream(ctx, req.RunID, input.Stream); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, errors.Fatalf("unknown stream operation %q", req.StepName)
}

func (e *Executor) settleCompleted(ctx context.Context, req Request, attempt int, output json.RawMessage) (Outcome, error) {
	data, err := event.EncodeData(event.StepCompletedData{Attempt: attempt, Output: output})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.store.AppendEvent(ctx, req.RunID, event.New{
		Type:          event.TypeStepCompleted,
		CorrelationID: req.StepID,
		Data:          data,
	}); err != nil {
		if errors.IsConflict(err) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}
	return Outcome{Settled: true}, nil
}

func (e *Executor) settleFailed(ctx context.Context, req Request, attempt int, stepErr error, logger *slog.Logger) (Outcome, error) {
	def, _ := e.steps.Get(req.StepName)
	policy := def.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	fatal := errors.IsFatal(stepErr)
	exhausted := attempt >= policy.MaxAttempts

	if fatal || exhausted {
		logger.Warn("step failed", log.Bool("fatal", fatal), log.Error(stepErr))

		data, err := event.EncodeData(event.StepFailedData{
			Attempt: attempt,
			Error:   event.CaptureErrorWithStack(stepErr),
		})
		if err != nil {
			return Outcome{}, err
		}
		if _, err := e.store.AppendEvent(ctx, req.RunID, event.New{
			Type:          event.TypeStepFailed,
			CorrelationID: req.StepID,
			Data:          data,
		}); err != nil {
			if errors.IsConflict(err) {
				return Outcome{Skipped: true}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Settled: true}, nil
	}

	delay := policy.Backoff(attempt)
	if override := errors.RetryAfterSeconds(stepErr); override > 0 {
		delay = time.Duration(override) * time.Second
	}

	logger.Info("step retrying",
		log.String("retry_after", delay.String()),
		log.Error(stepErr))

	data, err := event.EncodeData(event.StepRetryingData{
		Attempt:    attempt,
		RetryAfter: e.now().Add(delay),
		Error:      event.CaptureError(stepErr),
	})
	if err != nil {
		return Outcome{}, err
	}
	if _, err := e.store.AppendEvent(ctx, req.RunID, event.New{
		Type:          event.TypeStepRetrying,
		CorrelationID: req.StepID,
		Data:          data,
	}); err != nil {
		if errors.IsConflict(err) {
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, err
	}

	return Outcome{Retry: true, RetryAfter: delay, NextAttempt: attempt + 1}, nil
}
