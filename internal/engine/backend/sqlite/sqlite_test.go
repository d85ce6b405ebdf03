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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/stream"
	"github.com/tombee/relay/pkg/errors"
)

// createTestBackend creates a SQLite backend in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return be, dbPath
}

func mustData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := event.EncodeData(v)
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	return data
}

func createRun(t *testing.T, be *Backend, workflow string) string {
	t.Helper()
	res, err := be.AppendEvent(context.Background(), "", event.New{
		Type: event.TypeRunCreated,
		Data: mustData(t, event.RunCreatedData{WorkflowName: workflow}),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return res.Run.ID
}

func TestSQLiteBackend_RunLifecycle(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runID := createRun(t, be, "billing")

	run, err := be.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != backend.RunPending {
		t.Errorf("expected pending, got %s", run.Status)
	}

	if _, err := be.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunCompleted,
		Data: mustData(t, event.RunCompletedData{Output: json.RawMessage(`42`)}),
	}); err != nil {
		t.Fatalf("run_completed: %v", err)
	}

	run, err = be.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != backend.RunCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}
	if string(run.Output) != `42` {
		t.Errorf("expected output 42, got %s", run.Output)
	}
	if run.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	be, dbPath := createTestBackend(t)

	ctx := context.Background()
	runID := createRun(t, be, "billing")
	if _, err := be.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeStepStarted,
		CorrelationID: "step_1",
		Data:          mustData(t, event.StepStartedData{StepName: "charge", Attempt: 1}),
	}); err != nil {
		t.Fatalf("step_started: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	step, err := reopened.GetStep(ctx, runID, "step_1")
	if err != nil {
		t.Fatalf("get step after reopen: %v", err)
	}
	if step.Name != "charge" || step.Status != backend.StepRunning {
		t.Errorf("unexpected step after reopen: %+v", step)
	}

	page, err := reopened.ListEvents(ctx, backend.ListEventsParams{RunID: runID})
	if err != nil {
		t.Fatalf("list events after reopen: %v", err)
	}
	if len(page.Events) != 2 {
		t.Errorf("expected 2 events after reopen, got %d", len(page.Events))
	}
}

func TestSQLiteBackend_TerminalConflict(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runID := createRun(t, be, "billing")

	appendStep := func(typ event.Type, data any) error {
		_, err := be.AppendEvent(ctx, runID, event.New{
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
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLiteBackend_HookCascade(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runID := createRun(t, be, "billing")

	if _, err := be.AppendEvent(ctx, runID, event.New{
		Type:          event.TypeHookCreated,
		CorrelationID: "hook_1",
		Data:          mustData(t, event.HookCreatedData{Token: "tok-1"}),
	}); err != nil {
		t.Fatalf("hook_created: %v", err)
	}
	if _, err := be.AppendEvent(ctx, runID, event.New{
		Type: event.TypeRunFailed,
		Data: mustData(t, event.RunFailedData{Error: event.StructuredError{Message: "boom"}}),
	}); err != nil {
		t.Fatalf("run_failed: %v", err)
	}

	hook, err := be.GetHookByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get hook by token: %v", err)
	}
	if !hook.Disposed {
		t.Error("expected hook disposed after run failure")
	}
}

func TestSQLiteBackend_ListEventsPagination(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runID := createRun(t, be, "billing")
	for i := 0; i < 4; i++ {
		corr := event.PrefixStep + "_" + string(rune('a'+i))
		if _, err := be.AppendEvent(ctx, runID, event.New{
			Type:          event.TypeStepStarted,
			CorrelationID: corr,
			Data:          mustData(t, event.StepStartedData{StepName: "s", Attempt: 1}),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var count int
	cursor := ""
	for {
		page, err := be.ListEvents(ctx, backend.ListEventsParams{
			RunID: runID,
			Page:  backend.Page{Cursor: cursor, Limit: 2},
		})
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		count += len(page.Events)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if count != 5 {
		t.Errorf("expected 5 events, got %d", count)
	}
}

func TestSQLiteBackend_ListRunsFilter(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	failed := createRun(t, be, "billing")
	if _, err := be.AppendEvent(ctx, failed, event.New{
		Type: event.TypeRunFailed,
		Data: mustData(t, event.RunFailedData{Error: event.StructuredError{Message: "boom"}}),
	}); err != nil {
		t.Fatalf("run_failed: %v", err)
	}
	createRun(t, be, "reports")

	page, err := be.ListRuns(ctx, backend.ListRunsParams{Filter: `status == "failed"`})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Runs) != 1 || page.Runs[0].ID != failed {
		t.Fatalf("expected one failed run, got %d", len(page.Runs))
	}
}

func TestSQLiteBackend_Streams(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runID := createRun(t, be, "billing")

	for i, chunk := range []string{"one", "two", "three"} {
		idx, err := be.Write(ctx, runID, "logs", []byte(chunk))
		if err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
		if idx != i {
			t.Errorf("expected index %d, got %d", i, idx)
		}
	}
	if err := be.CloseStream(ctx, runID, "logs"); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	if _, err := be.Write(ctx, runID, "logs", []byte("late")); err == nil {
		t.Error("expected write to closed stream to fail")
	}

	reader, err := be.Read(ctx, runID, "logs", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	chunks, err := stream.ReadAll(ctx, reader)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(chunks) != 3 || string(chunks[0]) != "one" || string(chunks[2]) != "three" {
		t.Fatalf("unexpected chunks: %q", chunks)
	}

	info, err := be.Stat(ctx, runID, "logs")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Chunks != 3 || !info.Done {
		t.Errorf("unexpected stream info: %+v", info)
	}

	names, err := be.ListByRun(ctx, runID)
	if err != nil {
		t.Fatalf("list by run: %v", err)
	}
	if len(names) != 1 || names[0] != "logs" {
		t.Errorf("unexpected stream names: %v", names)
	}
}
