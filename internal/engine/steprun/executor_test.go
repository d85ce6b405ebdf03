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
	"testing"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/backend/memory"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/pkg/errors"
)

type fixture struct {
	store    *memory.Backend
	streams  *stream.MemoryStreamer
	steps    *Registry
	executor *Executor
	runID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.New(),
		streams: stream.NewMemoryStreamer(),
		steps:   NewRegistry(),
	}
	f.executor = NewExecutor(f.store, f.streams, f.steps, log.New(nil))

	data, err := event.EncodeData(event.RunCreatedData{WorkflowName: "test"})
	if err != nil {
		t.Fatalf("encode run_created: %v", err)
	}
	res, err := f.store.AppendEvent(context.Background(), "", event.New{
		Type: event.TypeRunCreated,
		Data: data,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	f.runID = res.Run.ID
	return f
}

func TestExecute_CompletesStep(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name: "double",
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			var n int
			if err := json.Unmarshal(input, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		},
	})

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "double",
		Input:    json.RawMessage(`21`),
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settled outcome, got %+v", outcome)
	}

	step, err := f.store.GetStep(context.Background(), f.runID, "step_1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Status != backend.StepCompleted {
		t.Errorf("expected completed, got %s", step.Status)
	}
	if string(step.Output) != `42` {
		t.Errorf("expected output 42, got %s", step.Output)
	}
}

func TestExecute_RetryableFailureSchedulesBackoff(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name: "flaky",
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			return nil, errors.New("transient")
		},
	})

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "flaky",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Retry || outcome.NextAttempt != 2 {
		t.Fatalf("expected retry with attempt 2, got %+v", outcome)
	}
	if outcome.RetryAfter != time.Second {
		t.Errorf("expected 1s first backoff, got %v", outcome.RetryAfter)
	}

	step, err := f.store.GetStep(context.Background(), f.runID, "step_1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Status != backend.StepRetrying {
		t.Errorf("expected retrying, got %s", step.Status)
	}
}

func TestExecute_BackoffDoubles(t *testing.T) {
	policy := DefaultRetryPolicy()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, expected := range want {
		if got := policy.Backoff(attempt + 1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", attempt+1, expected, got)
		}
	}

	// The cap bounds deep retries.
	if got := policy.Backoff(30); got != policy.MaxBackoff {
		t.Errorf("expected cap %v, got %v", policy.MaxBackoff, got)
	}
}

func TestExecute_ExhaustedAttemptsFail(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name:  "flaky",
		Retry: RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Second, BackoffFactor: 2, MaxBackoff: time.Minute},
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			return nil, errors.New("transient")
		},
	})

	req := Request{RunID: f.runID, StepID: "step_1", StepName: "flaky", Attempt: 1}
	outcome, err := f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if !outcome.Retry {
		t.Fatalf("expected retry, got %+v", outcome)
	}

	req.Attempt = outcome.NextAttempt
	outcome, err = f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement on final attempt, got %+v", outcome)
	}

	step, err := f.store.GetStep(context.Background(), f.runID, "step_1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Status != backend.StepFailed {
		t.Errorf("expected failed, got %s", step.Status)
	}
	if step.Error == nil || step.Error.Message != "transient" {
		t.Errorf("expected recorded error, got %+v", step.Error)
	}
}

func TestExecute_FatalErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name: "broken",
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			return nil, errors.Fatalf("bad input")
		},
	})

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "broken",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement on fatal error, got %+v", outcome)
	}

	step, _ := f.store.GetStep(context.Background(), f.runID, "step_1")
	if step.Status != backend.StepFailed {
		t.Errorf("expected failed, got %s", step.Status)
	}
}

func TestExecute_RetryAfterOverride(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name: "throttled",
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			return nil, &errors.RetryableStepError{Message: "rate limited", RetryAfterSeconds: 30}
		},
	})

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "throttled",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Retry || outcome.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s override, got %+v", outcome)
	}
}

func TestExecute_PanicSettlesLikeFailure(t *testing.T) {
	f := newFixture(t)
	f.steps.MustRegister(Definition{
		Name:  "crashy",
		Retry: RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, BackoffFactor: 2, MaxBackoff: time.Minute},
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			panic("boom")
		},
	})

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "crashy",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement after panic, got %+v", outcome)
	}
}

func TestExecute_UnknownStepIsFatal(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "unregistered",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected fatal settlement, got %+v", outcome)
	}

	step, _ := f.store.GetStep(context.Background(), f.runID, "step_1")
	if step.Status != backend.StepFailed {
		t.Errorf("expected failed, got %s", step.Status)
	}
}

func TestExecute_DuplicateDeliverySkips(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.steps.MustRegister(Definition{
		Name: "once",
		Fn: func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			calls++
			return "ok", nil
		},
	})

	req := Request{RunID: f.runID, StepID: "step_1", StepName: "once", Attempt: 1}
	if _, err := f.executor.Execute(context.Background(), req); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	outcome, err := f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected redelivery skip, got %+v", outcome)
	}
	if calls != 1 {
		t.Errorf("expected body to run once, ran %d times", calls)
	}
}

func TestExecute_TerminalRunSkips(t *testing.T) {
	f := newFixture(t)
	data, err := event.EncodeData(event.RunCancelledData{Reason: "test"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.store.AppendEvent(context.Background(), f.runID, event.New{
		Type: event.TypeRunCancelled,
		Data: data,
	}); err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	outcome, err := f.executor.Execute(context.Background(), Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "anything",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Skipped {
		t.Fatalf("expected skip for terminal run, got %+v", outcome)
	}
}

func TestExecute_StreamWriteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input, err := json.Marshal(StreamOpInput{Stream: "logs", Data: []byte("chunk")})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}

	outcome, err := f.executor.Execute(ctx, Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: StreamWriteStep,
		Input:    input,
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement, got %+v", outcome)
	}

	step, _ := f.store.GetStep(ctx, f.runID, "step_1")
	var out StreamWriteOutput
	if err := json.Unmarshal(step.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Index != 0 {
		t.Errorf("expected index 0, got %d", out.Index)
	}

	info, err := f.streams.Stat(ctx, f.runID, "logs")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Chunks != 1 {
		t.Errorf("expected one chunk, got %d", info.Chunks)
	}
}

func TestExecute_StreamCloseStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.streams.Write(ctx, f.runID, "logs", []byte("a")); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	input, err := json.Marshal(StreamOpInput{Stream: "logs"})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	outcome, err := f.executor.Execute(ctx, Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: StreamCloseStep,
		Input:    input,
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement, got %+v", outcome)
	}

	info, err := f.streams.Stat(ctx, f.runID, "logs")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.Done {
		t.Error("expected stream closed")
	}
}

func TestExecute_ClosesOpenedWritables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.steps.MustRegister(Definition{
		Name: "streaming",
		Fn: func(sctx context.Context, sc *Context, input json.RawMessage) (any, error) {
			w := sc.Writable("progress")
			if err := w.Write(sctx, []byte("50%")); err != nil {
				return nil, err
			}
			// The handle is left open; settlement must close it.
			return "done", nil
		},
	})

	outcome, err := f.executor.Execute(ctx, Request{
		RunID:    f.runID,
		StepID:   "step_1",
		StepName: "streaming",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Settled {
		t.Fatalf("expected settlement, got %+v", outcome)
	}

	info, err := f.streams.Stat(ctx, f.runID, "progress")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.Done {
		t.Error("expected opened writable closed at settlement")
	}
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Definition{Name: "", Fn: nil}); err == nil {
		t.Error("expected empty definition to fail")
	}

	def := Definition{
		Name: "a",
		Fn:   func(ctx context.Context, sc *Context, input json.RawMessage) (any, error) { return nil, nil },
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	got, ok := r.Get("a")
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if got.Retry.MaxAttempts != DefaultRetryPolicy().MaxAttempts {
		t.Errorf("expected default retry policy applied, got %+v", got.Retry)
	}
}
