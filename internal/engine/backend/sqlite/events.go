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
	"database/sql"
	"fmt"
	"strings"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

// AppendEvent atomically appends an event and updates projections. The
// validation and projection rules are shared with the memory backend; this
// layer only adds the transactional persistence.
func (b *Backend) AppendEvent(ctx context.Context, runID string, ev event.New) (*backend.AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		if ev.Type != event.TypeRunCreated {
			return nil, &errors.NotFoundError{Resource: "run", ID: ""}
		}
		runID = b.ids.New()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	run, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	var hook *backend.Hook
	if ev.CorrelationID != "" {
		hook, err = getHookTx(ctx, tx, runID, ev.CorrelationID)
		if err != nil {
			return nil, err
		}
	}
	hasTerminal, err := hasTerminalTx(ctx, tx, runID, ev.CorrelationID)
	if err != nil {
		return nil, err
	}

	if err := backend.ValidateAppend(run, ev, hasTerminal, hook); err != nil {
		return nil, err
	}

	result, err := b.appendTx(ctx, tx, runID, run, hook, ev)
	if err != nil {
		return nil, mapConflict(err, runID, ev)
	}

	// A run-terminal event implicitly disposes every outstanding hook.
	if ev.Type.RunTerminal() {
		outstanding, err := undisposedHooksTx(ctx, tx, runID)
		if err != nil {
			return nil, err
		}
		for _, h := range outstanding {
			disposal, err := backend.TerminalDisposalEvent(h.ID)
			if err != nil {
				return nil, err
			}
			if _, err := b.appendTx(ctx, tx, runID, result.Run, h, disposal); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return result, nil
}

// appendTx stores the event and folds it into the projection rows. The
// caller has already validated the append.
func (b *Backend) appendTx(ctx context.Context, tx *sql.Tx, runID string, run *backend.Run, hook *backend.Hook, ev event.New) (*backend.AppendResult, error) {
	stored := &event.Event{
		ID:            b.ids.New(),
		RunID:         runID,
		Type:          ev.Type,
		CorrelationID: ev.CorrelationID,
		Data:          ev.Data,
		CreatedAt:     b.now().UTC(),
	}

	terminal := 0
	if ev.CorrelationID != "" && ev.Type.Terminal() {
		terminal = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, run_id, event_type, correlation_id, data, terminal, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, runID, string(stored.Type), stored.CorrelationID,
		rawString(stored.Data), terminal, timeString(stored.CreatedAt),
	); err != nil {
		return nil, err
	}

	if ev.Type == event.TypeRunCreated {
		created, err := backend.NewRunFromEvent(stored)
		if err != nil {
			return nil, err
		}
		run = created
		if err := insertRunTx(ctx, tx, run); err != nil {
			return nil, err
		}
	} else {
		if err := backend.ApplyToRun(run, stored); err != nil {
			return nil, err
		}
		if err := updateRunTx(ctx, tx, run); err != nil {
			return nil, err
		}
	}

	result := &backend.AppendResult{Event: stored, Run: run}

	var step *backend.Step
	if ev.CorrelationID != "" {
		existing, err := getStepTx(ctx, tx, runID, ev.CorrelationID)
		if err != nil {
			return nil, err
		}
		step, err = backend.ApplyToStep(existing, stored)
		if err != nil {
			return nil, err
		}
		if step != nil {
			if err := upsertStepTx(ctx, tx, step); err != nil {
				return nil, err
			}
			result.Step = step
		}
	}

	updatedHook, err := backend.ApplyToHook(hook, stored)
	if err != nil {
		return nil, err
	}
	if updatedHook != nil && isHookEvent(ev.Type) {
		if err := upsertHookTx(ctx, tx, updatedHook); err != nil {
			return nil, err
		}
		result.Hook = updatedHook
	}

	return result, nil
}

func isHookEvent(t event.Type) bool {
	return t == event.TypeHookCreated || t == event.TypeHookReceived || t == event.TypeHookDisposed
}

// mapConflict converts a unique-index violation on the terminal index into
// the engine's conflict error. Validation catches conflicts first; the
// index is the backstop for racing writers on separate connections.
func mapConflict(err error, runID string, ev event.New) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &errors.ConflictError{
			RunID:         runID,
			CorrelationID: ev.CorrelationID,
			EventType:     string(ev.Type),
		}
	}
	return err
}

func hasTerminalTx(ctx context.Context, tx *sql.Tx, runID, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND correlation_id = ? AND terminal = 1`,
		runID, correlationID,
	).Scan(&count)
	return count > 0, err
}

func undisposedHooksTx(ctx context.Context, tx *sql.Tx, runID string) ([]*backend.Hook, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, run_id, token, metadata, created_at, disposed, disposed_at
		 FROM hooks WHERE run_id = ? AND disposed = 0 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*backend.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// ListEvents returns a page of a run's log ordered by event ID.
func (b *Backend) ListEvents(ctx context.Context, params backend.ListEventsParams) (*backend.EventPage, error) {
	if err := b.requireRun(ctx, params.RunID); err != nil {
		return nil, err
	}

	query := `SELECT id, run_id, event_type, correlation_id, data, created_at FROM events WHERE run_id = ?`
	args := []any{params.RunID}

	if params.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, params.CorrelationID)
	}
	if params.Cursor != "" {
		if params.Descending {
			query += ` AND id < ?`
		} else {
			query += ` AND id > ?`
		}
		args = append(args, params.Cursor)
	}
	if params.Descending {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id`
	}
	limit := params.EffectiveLimit()
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &backend.EventPage{}
	for rows.Next() {
		var (
			ev        event.Event
			eventType string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &eventType, &ev.CorrelationID, &data, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = event.Type(eventType)
		if data.Valid {
			ev.Data = []byte(data.String)
		}
		ev.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		page.Events = append(page.Events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Events) == limit {
		page.NextCursor = page.Events[len(page.Events)-1].ID
	}
	return page, nil
}

func (b *Backend) requireRun(ctx context.Context, runID string) error {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return err
}
