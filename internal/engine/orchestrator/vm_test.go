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
	"testing"
	"time"

	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// logBuilder assembles a synthetic event log for replay tests.
type logBuilder struct {
	t      *testing.T
	runID  string
	events []*event.Event
	seq    int
}

func newLog(t *testing.T, runID string) *logBuilder {
	return &logBuilder{t: t, runID: runID}
}

func (b *logBuilder) add(typ event.Type, correlationID string, data any) *logBuilder {
	b.t.Helper()
	encoded, err := event.EncodeData(data)
	if err != nil {
		b.t.Fatalf("encode data: %v", err)
	}
	b.seq++
	b.events = append(b.events, &event.Event{
		ID:            string(rune('a' + b.seq)),
		RunID:         b.runID,
		Type:          typ,
		CorrelationID: correlationID,
		Data:          encoded,
		CreatedAt:     testStart,
	})
	return b
}

func newVM(log []*event.Event) *VM {
	return New(Config{
		RunID:     "run-1",
		StartedAt: testStart,
		Log:       log,
	})
}

// correlationIDs precomputes the IDs the VM will assign, in call order.
func correlationIDs(prefixes ...string) []string {
	ids := event.NewReplayIDFactory("run-1", testStart)
	out := make([]string, len(prefixes))
	for i, prefix := range prefixes {
		out[i] = ids.NewCorrelation(prefix)
	}
	return out
}

func TestVM_CorrelationIDsStableAcrossTicks(t *testing.T) {
	body := func(vm *VM) (any, error) {
		out, err := vm.StepInvoke("charge", json.RawMessage(`{}`))
		return out, err
	}

	first := RunTick(newVM(nil), body)
	second := RunTick(newVM(nil), body)

	if !first.Suspended || !second.Suspended {
		t.Fatal("expected both ticks to suspend")
	}
	if len(first.Flush) != 1 || len(second.Flush) != 1 {
		t.Fatalf("expected one flush entry per tick, got %d and %d", len(first.Flush), len(second.Flush))
	}
	if first.Flush[0].CorrelationID != second.Flush[0].CorrelationID {
		t.Errorf("correlation IDs diverged: %s vs %s",
			first.Flush[0].CorrelationID, second.Flush[0].CorrelationID)
	}

	want := correlationIDs(event.PrefixStep)[0]
	if first.Flush[0].CorrelationID != want {
		t.Errorf("expected %s, got %s", want, first.Flush[0].CorrelationID)
	}
}

func TestVM_StepResolvesFromLog(t *testing.T) {
	stepID := correlationIDs(event.PrefixStep)[0]
	log := newLog(t, "run-1").
		add(event.TypeStepStarted, stepID, event.StepStartedData{StepName: "charge", Attempt: 1}).
		add(event.TypeStepCompleted, stepID, event.StepCompletedData{Attempt: 1, Output: json.RawMessage(`"done"`)}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		out, err := vm.StepInvoke("charge", nil)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	})

	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}
	if string(res.Output) != `"done"` {
		t.Errorf("unexpected output %s", res.Output)
	}
}

func TestVM_StepStartedOnlySuspendsWithoutReflush(t *testing.T) {
	stepID := correlationIDs(event.PrefixStep)[0]
	log := newLog(t, "run-1").
		add(event.TypeStepStarted, stepID, event.StepStartedData{StepName: "charge", Attempt: 1}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		return vm.StepInvoke("charge", nil)
	})

	if !res.Suspended {
		t.Fatalf("expected suspension, got %+v", res)
	}
	if len(res.Flush) != 0 {
		t.Errorf("acknowledged step must not be re-flushed, got %d entries", len(res.Flush))
	}
}

func TestVM_StepFailureSurfacesAsError(t *testing.T) {
	stepID := correlationIDs(event.PrefixStep)[0]
	log := newLog(t, "run-1").
		add(event.TypeStepStarted, stepID, event.StepStartedData{StepName: "charge", Attempt: 1}).
		add(event.TypeStepFailed, stepID, event.StepFailedData{
			Attempt: 1,
			Error:   event.StructuredError{Message: "card declined"},
		}).
		events

	var stepErr error
	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		_, stepErr = vm.StepInvoke("charge", nil)
		return nil, stepErr
	})

	if !res.Failed {
		t.Fatalf("expected run failure, got %+v", res)
	}
	var structured *event.StructuredError
	if !errors.As(stepErr, &structured) || structured.Message != "card declined" {
		t.Errorf("expected structured step error, got %v", stepErr)
	}
}

func TestVM_ParallelSteps(t *testing.T) {
	ids := correlationIDs(event.PrefixStep, event.PrefixStep)
	log := newLog(t, "run-1").
		add(event.TypeStepStarted, ids[0], event.StepStartedData{StepName: "a", Attempt: 1}).
		add(event.TypeStepStarted, ids[1], event.StepStartedData{StepName: "b", Attempt: 1}).
		add(event.TypeStepCompleted, ids[1], event.StepCompletedData{Attempt: 1, Output: json.RawMessage(`2`)}).
		add(event.TypeStepCompleted, ids[0], event.StepCompletedData{Attempt: 1, Output: json.RawMessage(`1`)}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		fa := vm.StepStart("a", nil)
		fb := vm.StepStart("b", nil)
		outA, err := vm.Await(fa)
		if err != nil {
			return nil, err
		}
		outB, err := vm.Await(fb)
		if err != nil {
			return nil, err
		}
		return string(outA) + string(outB), nil
	})

	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}
	if string(res.Output) != `"12"` {
		t.Errorf("unexpected output %s", res.Output)
	}
}

func TestVM_SleepSuspendsAndResumes(t *testing.T) {
	waitID := correlationIDs(event.PrefixWait)[0]

	body := func(vm *VM) (any, error) {
		if err := vm.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return "woke", nil
	}

	res := RunTick(newVM(nil), body)
	if !res.Suspended || len(res.Flush) != 1 {
		t.Fatalf("expected suspension with one flush, got %+v", res)
	}
	flush := res.Flush[0]
	if flush.Kind != KindWait || flush.CorrelationID != waitID {
		t.Errorf("unexpected flush entry %+v", flush)
	}
	if want := testStart.Add(time.Hour); !flush.ResumeAt.Equal(want) {
		t.Errorf("expected resume at %v, got %v", want, flush.ResumeAt)
	}

	log := newLog(t, "run-1").
		add(event.TypeWaitCreated, waitID, event.WaitCreatedData{ResumeAt: testStart.Add(time.Hour)}).
		add(event.TypeWaitCompleted, waitID, nil).
		events
	res = RunTick(newVM(log), body)
	if !res.Completed {
		t.Fatalf("expected completion after wait_completed, got %+v", res)
	}
}

func TestVM_CreateHookMintsTokenOnFirstReach(t *testing.T) {
	vm := New(Config{
		RunID:       "run-1",
		StartedAt:   testStart,
		TokenSource: func() string { return "minted-token" },
	})

	hook, err := vm.CreateHook(nil)
	if err != nil {
		t.Fatalf("create hook: %v", err)
	}
	if hook.Token() != "minted-token" {
		t.Errorf("expected minted token, got %s", hook.Token())
	}
}

func TestVM_CreateHookReplaysRecordedToken(t *testing.T) {
	hookID := correlationIDs(event.PrefixHook)[0]
	log := newLog(t, "run-1").
		add(event.TypeHookCreated, hookID, event.HookCreatedData{Token: "recorded"}).
		events

	vm := New(Config{
		RunID:       "run-1",
		StartedAt:   testStart,
		Log:         log,
		TokenSource: func() string { return "should-not-be-used" },
	})

	hook, err := vm.CreateHook(nil)
	if err != nil {
		t.Fatalf("create hook: %v", err)
	}
	if hook.Token() != "recorded" {
		t.Errorf("expected recorded token, got %s", hook.Token())
	}
}

func TestVM_AwaitHookConsumesReceiptsInOrder(t *testing.T) {
	hookID := correlationIDs(event.PrefixHook)[0]
	log := newLog(t, "run-1").
		add(event.TypeHookCreated, hookID, event.HookCreatedData{Token: "tok"}).
		add(event.TypeHookReceived, hookID, event.HookReceivedData{Payload: json.RawMessage(`"first"`)}).
		add(event.TypeHookReceived, hookID, event.HookReceivedData{Payload: json.RawMessage(`"second"`)}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		hook, err := vm.CreateHook(nil)
		if err != nil {
			return nil, err
		}
		first, err := vm.AwaitHook(hook)
		if err != nil {
			return nil, err
		}
		second, err := vm.AwaitHook(hook)
		if err != nil {
			return nil, err
		}
		return string(first) + string(second), nil
	})

	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}
	if string(res.Output) != `"\"first\"\"second\""` {
		t.Errorf("unexpected output %s", res.Output)
	}
}

func TestVM_AcknowledgedHookDoesNotBlockCompletion(t *testing.T) {
	hookID := correlationIDs(event.PrefixHook)[0]
	log := newLog(t, "run-1").
		add(event.TypeHookCreated, hookID, event.HookCreatedData{Token: "tok"}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		if _, err := vm.CreateHook(nil); err != nil {
			return nil, err
		}
		return "done", nil
	})

	if !res.Completed {
		t.Fatalf("expected completion with open hook, got %+v", res)
	}
}

func TestVM_AwaitDisposedHookFails(t *testing.T) {
	hookID := correlationIDs(event.PrefixHook)[0]
	log := newLog(t, "run-1").
		add(event.TypeHookCreated, hookID, event.HookCreatedData{Token: "tok"}).
		add(event.TypeHookDisposed, hookID, event.HookDisposedData{Reason: "cancelled"}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		hook, err := vm.CreateHook(nil)
		if err != nil {
			return nil, err
		}
		return vm.AwaitHook(hook)
	})

	if !res.Failed {
		t.Fatalf("expected failure awaiting disposed hook, got %+v", res)
	}
}

func TestVM_UnknownCorrelationIsRuntimeError(t *testing.T) {
	log := newLog(t, "run-1").
		add(event.TypeStepCompleted, "step_unreached", event.StepCompletedData{Attempt: 1}).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		return vm.StepInvoke("charge", nil)
	})

	if !res.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
	var runtimeErr *errors.RuntimeError
	if !errors.As(res.Failure, &runtimeErr) {
		t.Fatalf("expected RuntimeError, got %v", res.Failure)
	}
}

func TestVM_WrongEventKindIsRuntimeError(t *testing.T) {
	stepID := correlationIDs(event.PrefixStep)[0]
	log := newLog(t, "run-1").
		add(event.TypeWaitCompleted, stepID, nil).
		events

	res := RunTick(newVM(log), func(vm *VM) (any, error) {
		return vm.StepInvoke("charge", nil)
	})

	if !res.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
	var runtimeErr *errors.RuntimeError
	if !errors.As(res.Failure, &runtimeErr) {
		t.Fatalf("expected RuntimeError, got %v", res.Failure)
	}
}

func TestVM_UnawaitedFutureSuspends(t *testing.T) {
	res := RunTick(newVM(nil), func(vm *VM) (any, error) {
		vm.StepStart("fire-and-forget", nil)
		return "returned early", nil
	})

	if !res.Suspended {
		t.Fatalf("expected suspension for unacknowledged step, got %+v", res)
	}
	if len(res.Flush) != 1 || res.Flush[0].StepName != "fire-and-forget" {
		t.Errorf("unexpected flush %+v", res.Flush)
	}
}

func TestVM_PanicBecomesFailure(t *testing.T) {
	res := RunTick(newVM(nil), func(vm *VM) (any, error) {
		panic("boom")
	})
	if !res.Failed {
		t.Fatalf("expected failure from panic, got %+v", res)
	}
}

func TestVM_FrozenClockAndSeededRand(t *testing.T) {
	a := newVM(nil)
	b := newVM(nil)

	if !a.Now().Equal(testStart) {
		t.Errorf("expected frozen clock %v, got %v", testStart, a.Now())
	}
	if a.Rand().Int63() != b.Rand().Int63() {
		t.Error("expected identical RNG streams for the same run")
	}
	if a.NewID() != b.NewID() {
		t.Error("expected identical ID streams for the same run")
	}
}
