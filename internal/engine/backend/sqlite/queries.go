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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/pkg/errors"
)

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, workflow_name, status, input, output, error, trace_carrier, started_at, completed_at, expires_at, updated_at`

func scanRun(row rowScanner) (*backend.Run, error) {
	var (
		run          backend.Run
		status       string
		input        sql.NullString
		output       sql.NullString
		errJSON      sql.NullString
		traceCarrier sql.NullString
		startedAt    string
		completedAt  sql.NullString
		expiresAt    sql.NullString
		updatedAt    string
	)
	if err := row.Scan(&run.ID, &run.WorkflowName, &status, &input, &output, &errJSON,
		&traceCarrier, &startedAt, &completedAt, &expiresAt, &updatedAt); err != nil {
		return nil, err
	}

	run.Status = backend.RunStatus(status)
	if input.Valid {
		if err := json.Unmarshal([]byte(input.String), &run.Input); err != nil {
			return nil, fmt.Errorf("decode run input: %w", err)
		}
	}
	if output.Valid {
		run.Output = []byte(output.String)
	}
	if errJSON.Valid {
		var se event.StructuredError
		if err := json.Unmarshal([]byte(errJSON.String), &se); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
		run.Error = &se
	}
	if traceCarrier.Valid {
		if err := json.Unmarshal([]byte(traceCarrier.String), &run.TraceCarrier); err != nil {
			return nil, fmt.Errorf("decode trace carrier: %w", err)
		}
	}

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if run.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*backend.Run, error) {
	run, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func insertRunTx(ctx context.Context, tx *sql.Tx, run *backend.Run) error {
	input, err := encodeJSON(run.Input, len(run.Input) > 0)
	if err != nil {
		return err
	}
	errJSON, err := encodeJSON(run.Error, run.Error != nil)
	if err != nil {
		return err
	}
	carrier, err := encodeJSON(run.TraceCarrier, len(run.TraceCarrier) > 0)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, string(run.Status), input, rawString(run.Output),
		errJSON, carrier, timeString(run.StartedAt), timePtrString(run.CompletedAt),
		timePtrString(run.ExpiresAt), timeString(run.UpdatedAt),
	)
	return err
}

func updateRunTx(ctx context.Context, tx *sql.Tx, run *backend.Run) error {
	errJSON, err := encodeJSON(run.Error, run.Error != nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), rawString(run.Output), errJSON,
		timePtrString(run.CompletedAt), timeString(run.UpdatedAt), run.ID,
	)
	return err
}

// GetRun retrieves a run snapshot by ID.
func (b *Backend) GetRun(ctx context.Context, runID string) (*backend.Run, error) {
	run, err := scanRun(b.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, err
}

// ListRuns lists runs in creation order with cursor pagination. Run IDs are
// ULIDs, so ordering by ID is ordering by creation time.
func (b *Backend) ListRuns(ctx context.Context, params backend.ListRunsParams) (*backend.RunPage, error) {
	filter, err := backend.CompileRunFilter(params.Filter)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if params.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(params.Status))
	}
	if params.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, params.WorkflowName)
	}
	if params.IDPrefix != "" {
		query += ` AND id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(params.IDPrefix)+"%")
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

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	limit := params.EffectiveLimit()
	page := &backend.RunPage{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matched, err := filter.Match(run)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		page.Runs = append(page.Runs, run)
		if len(page.Runs) == limit {
			page.NextCursor = run.ID
			break
		}
	}
	return page, rows.Err()
}

const stepColumns = `id, run_id, name, attempt, status, input, output, error, started_at, completed_at, retry_after`

func scanStep(row rowScanner) (*backend.Step, error) {
	var (
		step        backend.Step
		status      string
		input       sql.NullString
		output      sql.NullString
		errJSON     sql.NullString
		startedAt   string
		completedAt sql.NullString
		retryAfter  sql.NullString
	)
	if err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Attempt, &status,
		&input, &output, &errJSON, &startedAt, &completedAt, &retryAfter); err != nil {
		return nil, err
	}

	step.Status = backend.StepStatus(status)
	if input.Valid {
		step.Input = []byte(input.String)
	}
	if output.Valid {
		step.Output = []byte(output.String)
	}
	if errJSON.Valid {
		var se event.StructuredError
		if err := json.Unmarshal([]byte(errJSON.String), &se); err != nil {
			return nil, fmt.Errorf("decode step error: %w", err)
		}
		step.Error = &se
	}

	var err error
	if step.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if step.RetryAfter, err = parseTimePtr(retryAfter); err != nil {
		return nil, err
	}
	return &step, nil
}

func getStepTx(ctx context.Context, tx *sql.Tx, runID, stepID string) (*backend.Step, error) {
	step, err := scanStep(tx.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND id = ?`, runID, stepID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return step, err
}

func upsertStepTx(ctx context.Context, tx *sql.Tx, step *backend.Step) error {
	errJSON, err := encodeJSON(step.Error, step.Error != nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, id) DO UPDATE SET
			attempt = excluded.attempt,
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			completed_at = excluded.completed_at,
			retry_after = excluded.retry_after`,
		step.ID, step.RunID, step.Name, step.Attempt, string(step.Status),
		rawString(step.Input), rawString(step.Output), errJSON,
		timeString(step.StartedAt), timePtrString(step.CompletedAt), timePtrString(step.RetryAfter),
	)
	return err
}

// GetStep retrieves a step snapshot by run and step ID.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*backend.Step, error) {
	if err := b.requireRun(ctx, runID); err != nil {
		return nil, err
	}
	step, err := scanStep(b.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND id = ?`, runID, stepID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return step, err
}

// ListSteps lists a run's steps in first-start order.
func (b *Backend) ListSteps(ctx context.Context, params backend.ListStepsParams) (*backend.StepPage, error) {
	if err := b.requireRun(ctx, params.RunID); err != nil {
		return nil, err
	}

	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = ?`
	args := []any{params.RunID}

	if params.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(params.Status))
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

	page := &backend.StepPage{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		page.Steps = append(page.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Steps) == limit {
		page.NextCursor = page.Steps[len(page.Steps)-1].ID
	}
	return page, nil
}

const hookColumns = `id, run_id, token, metadata, created_at, disposed, disposed_at`

func scanHook(row rowScanner) (*backend.Hook, error) {
	var (
		hook       backend.Hook
		metadata   sql.NullString
		createdAt  string
		disposed   int
		disposedAt sql.NullString
	)
	if err := row.Scan(&hook.ID, &hook.RunID, &hook.Token, &metadata, &createdAt,
		&disposed, &disposedAt); err != nil {
		return nil, err
	}

	if metadata.Valid {
		hook.Metadata = []byte(metadata.String)
	}
	hook.Disposed = disposed != 0

	var err error
	if hook.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if hook.DisposedAt, err = parseTimePtr(disposedAt); err != nil {
		return nil, err
	}
	return &hook, nil
}

func getHookTx(ctx context.Context, tx *sql.Tx, runID, hookID string) (*backend.Hook, error) {
	hook, err := scanHook(tx.QueryRowContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE run_id = ? AND id = ?`, runID, hookID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return hook, err
}

func upsertHookTx(ctx context.Context, tx *sql.Tx, hook *backend.Hook) error {
	disposed := 0
	if hook.Disposed {
		disposed = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO hooks (`+hookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			disposed = excluded.disposed,
			disposed_at = excluded.disposed_at`,
		hook.ID, hook.RunID, hook.Token, rawString(hook.Metadata),
		timeString(hook.CreatedAt), disposed, timePtrString(hook.DisposedAt),
	)
	return err
}

// GetHook retrieves a hook by ID.
func (b *Backend) GetHook(ctx context.Context, hookID string) (*backend.Hook, error) {
	hook, err := scanHook(b.db.QueryRowContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE id = ?`, hookID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
	}
	return hook, err
}

// GetHookByToken resolves the hook addressed by an external token.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*backend.Hook, error) {
	hook, err := scanHook(b.db.QueryRowContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "hook", ID: "token"}
	}
	return hook, err
}

// ListHooks lists hooks, scoped to a run when RunID is set.
func (b *Backend) ListHooks(ctx context.Context, params backend.ListHooksParams) (*backend.HookPage, error) {
	query := `SELECT ` + hookColumns + ` FROM hooks WHERE 1=1`
	var args []any

	if params.RunID != "" {
		if err := b.requireRun(ctx, params.RunID); err != nil {
			return nil, err
		}
		query += ` AND run_id = ?`
		args = append(args, params.RunID)
	}
	if !params.IncludeDisposed {
		query += ` AND disposed = 0`
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

	page := &backend.HookPage{}
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		page.Hooks = append(page.Hooks, hook)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Hooks) == limit {
		page.NextCursor = page.Hooks[len(page.Hooks)-1].ID
	}
	return page, nil
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeString(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rawString(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func encodeJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
