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

// Package sqlite provides a SQLite storage backend for single-node
// deployments. It implements both the event-log storage contract and the
// durable stream sink, so one database file carries a node's full state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/relay/internal/engine/backend"
	"github.com/tombee/relay/internal/engine/event"
	"github.com/tombee/relay/internal/engine/stream"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.EventStore = (*Backend)(nil)
	_ backend.RunStore   = (*Backend)(nil)
	_ backend.StepStore  = (*Backend)(nil)
	_ backend.HookStore  = (*Backend)(nil)
	_ backend.Storage    = (*Backend)(nil)
	_ stream.Streamer    = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db  *sql.DB
	ids *event.IDFactory
	now func() time.Time

	// mu serializes appends. SQLite serializes writes anyway; holding the
	// lock across validate-then-insert keeps the two from interleaving.
	mu sync.Mutex
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, ids: event.NewIDFactory(), now: time.Now}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// SetClock overrides the append timestamp source. Test hook.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			data TEXT,
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id)`,
		// At most one terminal event per (run, correlation ID).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_terminal
			ON events(run_id, correlation_id)
			WHERE terminal = 1 AND correlation_id != ''`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			trace_carrier TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			expires_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			retry_after TEXT,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			metadata TEXT,
			created_at TEXT NOT NULL,
			disposed INTEGER NOT NULL DEFAULT 0,
			disposed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_run ON hooks(run_id)`,
		`CREATE TABLE IF NOT EXISTS streams (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_chunks (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB,
			PRIMARY KEY (run_id, name, idx)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}
