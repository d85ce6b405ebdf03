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

// Package stream provides the durable named byte-stream layer: append-only
// chunk sequences keyed by (run, stream name), readable from any offset,
// with a done flag terminating readers.
package stream

import (
	"context"
	"io"
)

// Chunk is one appended unit of a stream.
type Chunk struct {
	// Index is the zero-based append position.
	Index int

	// Data is the opaque chunk payload.
	Data []byte
}

// Info describes a stream's current state.
type Info struct {
	// Name is the stream name within its run.
	Name string

	// Chunks is the number of appended chunks.
	Chunks int

	// Done reports whether the stream has been closed.
	Done bool
}

// Reader iterates a stream's chunks lazily in append order.
type Reader interface {
	// Next returns the next chunk, blocking until one is available. It
	// returns io.EOF once the stream is done and all chunks have been
	// consumed.
	Next(ctx context.Context) (*Chunk, error)

	// Close releases the reader.
	Close() error
}

// Streamer is the durable stream store contract.
type Streamer interface {
	// Write appends a chunk and returns its append index. Writing to a
	// closed stream is an error. The write does not return until the
	// sink has stored the chunk; producers are paced by the sink.
	Write(ctx context.Context, runID, name string, data []byte) (int, error)

	// CloseStream sets the done flag. Closing an already-closed stream
	// is a no-op.
	CloseStream(ctx context.Context, runID, name string) error

	// Read returns a lazy reader starting at startIndex. The reader ends
	// when the done flag is set and the last chunk has been delivered.
	Read(ctx context.Context, runID, name string, startIndex int) (Reader, error)

	// Stat reports a stream's chunk count and done flag.
	Stat(ctx context.Context, runID, name string) (*Info, error)

	// ListByRun enumerates the stream names attached to a run.
	ListByRun(ctx context.Context, runID string) ([]string, error)
}

// ReadAll drains a reader into memory. Intended for tests and small streams.
func ReadAll(ctx context.Context, r Reader) ([][]byte, error) {
	defer r.Close()
	var out [][]byte
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Data)
	}
}
