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
	"io"
	"time"

	"github.com/tombee/relay/internal/engine/stream"
)

// streamPollInterval is how often a blocked reader re-checks for new chunks.
// SQLite has no change notification, so readers poll.
const streamPollInterval = 100 * time.Millisecond

// Write appends a chunk and returns its append index.
func (b *Backend) Write(ctx context.Context, runID, name string, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	done, _, err := streamStateTx(ctx, tx, runID, name)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, fmt.Errorf("stream %s/%s is closed", runID, name)
	}

	var index int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_chunks WHERE run_id = ? AND name = ?`,
		runID, name,
	).Scan(&index); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO streams (run_id, name, done) VALUES (?, ?, 0)`,
		runID, name,
	); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_chunks (run_id, name, idx, data) VALUES (?, ?, ?, ?)`,
		runID, name, index, data,
	); err != nil {
		return 0, err
	}

	return index, tx.Commit()
}

// CloseStream sets the done flag. Closing an already-closed stream is a
// no-op.
func (b *Backend) CloseStream(ctx context.Context, runID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO streams (run_id, name, done) VALUES (?, ?, 1)
		 ON CONFLICT (run_id, name) DO UPDATE SET done = 1`,
		runID, name,
	)
	return err
}

// Read returns a lazy reader starting at startIndex.
func (b *Backend) Read(ctx context.Context, runID, name string, startIndex int) (stream.Reader, error) {
	if startIndex < 0 {
		startIndex = 0
	}
	return &sqliteReader{backend: b, runID: runID, name: name, pos: startIndex}, nil
}

// Stat reports a stream's chunk count and done flag.
func (b *Backend) Stat(ctx context.Context, runID, name string) (*stream.Info, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	done, chunks, err := streamStateTx(ctx, tx, runID, name)
	if err != nil {
		return nil, err
	}
	return &stream.Info{Name: name, Chunks: chunks, Done: done}, nil
}

// ListByRun enumerates the stream names attached to a run.
func (b *Backend) ListByRun(ctx context.Context, runID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name FROM streams WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func streamStateTx(ctx context.Context, tx *sql.Tx, runID, name string) (done bool, chunks int, err error) {
	var doneInt int
	err = tx.QueryRowContext(ctx,
		`SELECT done FROM streams WHERE run_id = ? AND name = ?`, runID, name,
	).Scan(&doneInt)
	if err == sql.ErrNoRows {
		err = nil
	} else if err != nil {
		return false, 0, err
	}
	done = doneInt != 0

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_chunks WHERE run_id = ? AND name = ?`, runID, name,
	).Scan(&chunks)
	return done, chunks, err
}

// sqliteReader polls for chunks past its cursor until the stream is done.
type sqliteReader struct {
	backend *Backend
	runID   string
	name    string
	pos     int
	closed  bool
}

// Next returns the next chunk, blocking until one is available. It returns
// io.EOF once the stream is done and all chunks have been consumed.
func (r *sqliteReader) Next(ctx context.Context) (*stream.Chunk, error) {
	for {
		if r.closed {
			return nil, fmt.Errorf("reader is closed")
		}

		var data []byte
		err := r.backend.db.QueryRowContext(ctx,
			`SELECT data FROM stream_chunks WHERE run_id = ? AND name = ? AND idx = ?`,
			r.runID, r.name, r.pos,
		).Scan(&data)
		if err == nil {
			chunk := &stream.Chunk{Index: r.pos, Data: data}
			r.pos++
			return chunk, nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}

		var done int
		err = r.backend.db.QueryRowContext(ctx,
			`SELECT done FROM streams WHERE run_id = ? AND name = ?`,
			r.runID, r.name,
		).Scan(&done)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if done != 0 {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(streamPollInterval):
		}
	}
}

// Close releases the reader.
func (r *sqliteReader) Close() error {
	r.closed = true
	return nil
}
