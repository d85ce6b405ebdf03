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

package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

func mustData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := event.EncodeData(v)
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	return data
}

func createRun(t *testing.T, b *Backend, workflow string) string {
	t.Helper()
	res, err := b.AppendEvent(context.Background(), "", event.New{
		Type: event.TypeRunCreated,
		Data: mustData(t, event.RunCreatedData{WorkflowName: workflow}),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return res.Run.ID
}

func TestAppendEvent_RunCreatedAssignsID(t *testing.T) {
	b := New()
	runID := createRun(t, b, "billing")
	if runID == "" {
		t.Fatal("expected generated run ID")
	}

	run, err := b.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.WorkflowName != "billing" {
		t.Errorf("expected workflow billing, got %s", run.WorkflowName)
	}
	if run.Status != backend.RunPending {
		t.Errorf("expected pending status, got %s", run.Status)
	}
}

func TestAppendEvent_UnknownRun(t *testing.T) {
	b := New()
	_, err := b.AppendEvent(context.Background(), "missing", event.New{Type: event.TypeRunCompleted})
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAppendEvent_DuplicateRunCreated(t *testing.T) {
	b := New()
	runID := createRun(t, b, "billing")
	_, err := b.AppendEvent(context.Background(), runID, event.New{
		Type: event.TypeRunCreated,
		Data: mustData(t, event.RunCreatedData{WorkflowName: "billing"}),
	})
	if err == nil {
		t.Fatal("expected duplicate run_created to fail")
	}
}

func TestAppendEvent_StepLifecycle(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	res, err := b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeStepStarted,
		CorrelationID: "step_1",
		Data:          mustData(t, event.StepStartedData{StepName: "charge", Attempt: 1}),
	})
	if err != nil {
		t.Fatalf("step_started: %v", err)
	}
	if res.Step == nil || res.Step.Status != backend.StepRunning {
		t.Fatalf("expected running step, got %+v", res.Step)
	}
	if res.Run.Status != backend.RunRunning {
		t.Errorf("expected run to transition to running, got %s", res.Run.Status)
	}

	res, err = b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeStepCompleted,
		CorrelationID: "step_1",
		Data:          mustData(t, event.StepCompletedData{Attempt: 1, Output: json.RawMessage(`"ok"`)}),
	})
	if err != nil {
		t.Fatalf("step_completed: %v", err)
	}
	if res.Step.Status != backend.StepCompleted {
		t.Errorf("expected completed step, got %s", res.Step.Status)
	}
	if string(res.Step.Output) != `"ok"` {
		t.Errorf("expected output preserved, got %s", res.Step.Output)
	}
}

func TestAppendEvent_SecondTerminalConflicts(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	appendStep := func(typ event.Type, data any) error {
		_, err := b.AppendEvent(ctx, runID, event.New{
			Type:          typ,
			CorrelationID: "step_1",
			Data:          mustData(t, data),
		})
		return err
	}

	if err := appendStep(event.TypeStepStarted, event.StepStartedData{StepName: "charge", Attempt: 1}); err != nil {
		t.Fatalf("step_started: %v", err)
	}
	if err := appendStep(event.TypeStepCompleted, event.StepCompletedData{Attempt: 1}); err != nil {
		t.Fatalf("step_completed: %v", err)
	}

	err := appendStep(event.TypeStepFailed, event.StepFailedData{Attempt: 1})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestAppendEvent_TerminalRunRejectsAppends(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	if _, err := b.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunCompleted,
		Data: mustData(t, event.RunCompletedData{}),
	}); err != nil {
		t.Fatalf("run_completed: %v", err)
	}

	_, err := b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeStepStarted,
		CorrelationID: "step_1",
		Data:          mustData(t, event.StepStartedData{StepName: "late", Attempt: 1}),
	})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on terminal run, got %v", err)
	}
}

func TestAppendEvent_HookCascadeOnRunTerminal(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	if _, err := b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeHookCreated,
		CorrelationID: "hook_1",
		Data:          mustData(t, event.HookCreatedData{Token: "tok-1"}),
	}); err != nil {
		t.Fatalf("hook_created: %v", err)
	}

	if _, err := b.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunCancelled,
		Data: mustData(t, event.RunCancelledData{Reason: "test"}),
	}); err != nil {
		t.Fatalf("run_cancelled: %v", err)
	}

	hook, err := b.GetHook(ctx, "hook_1")
	if err != nil {
		t.Fatalf("get hook: %v", err)
	}
	if !hook.Disposed {
		t.Error("expected hook disposed after run termination")
	}

	// The cascade must appear in the log itself.
	page, err := b.ListEvents(ctx, backend.ListEventsParams{RunID: runID, CorrelationID: "hook_1"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	last := page.Events[len(page.Events)-1]
	if last.Type != event.TypeHookDisposed {
		t.Errorf("expected hook_disposed in log, got %s", last.Type)
	}
}

func TestAppendEvent_HookReceivedAfterDisposed(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	appendHook := func(typ event.Type, data any) error {
		_, err := b.AppendEvent(ctx, runID, event.New{
			Type:          typ,
			CorrelationID: "hook_1",
			Data:          mustData(t, data),
		})
		return err
	}

	if err := appendHook(event.TypeHookCreated, event.HookCreatedData{Token: "tok-1"}); err != nil {
		t.Fatalf("hook_created: %v", err)
	}
	if err := appendHook(event.TypeHookDisposed, event.HookDisposedData{}); err != nil {
		t.Fatalf("hook_disposed: %v", err)
	}

	err := appendHook(event.TypeHookReceived, event.HookReceivedData{Payload: json.RawMessage(`1`)})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on disposed hook, got %v", err)
	}
}

func TestAppendEvent_HookReceivedUnknownHook(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	_, err := b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeHookReceived,
		CorrelationID: "hook_missing",
		Data:          mustData(t, event.HookReceivedData{}),
	})
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGetHookByToken(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	if _, err := b.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeHookCreated,
		CorrelationID: "hook_1",
		Data:          mustData(t, event.HookCreatedData{Token: "tok-xyz"}),
	}); err != nil {
		t.Fatalf("hook_created: %v", err)
	}

	hook, err := b.GetHookByToken(ctx, "tok-xyz")
	if err != nil {
		t.Fatalf("get hook by token: %v", err)
	}
	if hook.ID != "hook_1" || hook.RunID != runID {
		t.Errorf("unexpected hook: %+v", hook)
	}

	if _, err := b.GetHookByToken(ctx, "unknown"); err == nil {
		t.Error("expected unknown token to fail")
	}
}

func TestListEvents_Pagination(t *testing.T) {
	b := New()
	ctx := context.Background()
	runID := createRun(t, b, "billing")

	for i := 0; i < 5; i++ {
		corr := event.PrefixStep + "_" + string(rune('a'+i))
		if _, err := b.AppendEvent(ctx, runID, event.New{
			Type:          event.TypeStepStarted,
			CorrelationID: corr,
			Data:          mustData(t, event.StepStartedData{StepName: "s", Attempt: 1}),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var all []*event.Event
	cursor := ""
	for {
		page, err := b.ListEvents(ctx, backend.ListEventsParams{
			RunID: runID,
			Page:  backend.Page{Cursor: cursor, Limit: 2},
		})
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		all = append(all, page.Events...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	// run_created plus five step_started events.
	if len(all) != 6 {
		t.Fatalf("expected 6 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatal("expected events ordered by ID")
		}
	}
}

func TestListRuns_FilterExpression(t *testing.T) {
	b := New()
	ctx := context.Background()

	failed := createRun(t, b, "billing")
	if _, err := b.AppendEvent(ctx, failed, event.New{
		Type: event.TypeRunFailed,
		Data: mustData(t, event.RunFailedData{Error: event.StructuredError{Message: "boom"}}),
	}); err != nil {
		t.Fatalf("run_failed: %v", err)
	}
	createRun(t, b, "billing")
	createRun(t, b, "reports")

	page, err := b.ListRuns(ctx, backend.ListRunsParams{
		Filter: `status == "failed" && workflow_name == "billing"`,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].ID != failed {
		t.Fatalf("expected only the failed billing run, got %d runs", len(page.Runs))
	}

	page, err = b.ListRuns(ctx, backend.ListRunsParams{Filter: "has_error"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Runs) != 1 {
		t.Fatalf("expected one errored run, got %d", len(page.Runs))
	}

	if _, err := b.ListRuns(ctx, backend.ListRunsParams{Filter: "status =="}); err == nil {
		t.Error("expected invalid filter to fail")
	}
}

func TestListRuns_StatusAndName(t *testing.T) {
	b := New()
	ctx := context.Background()
	createRun(t, b, "billing")
	createRun(t, b, "reports")

	page, err := b.ListRuns(ctx, backend.ListRunsParams{WorkflowName: "reports"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].WorkflowName != "reports" {
		t.Fatalf("expected one reports run, got %d", len(page.Runs))
	}

	page, err = b.ListRuns(ctx, backend.ListRunsParams{Status: backend.RunPending})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Runs) != 2 {
		t.Fatalf("expected two pending runs, got %d", len(page.Runs))
	}
}
