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

package stream

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tombee/relay/pkg/errors"
)

// Compile-time interface assertion.
var _ Streamer = (*MemoryStreamer)(nil)

// MemoryStreamer is an in-memory stream store for tests and single-process
// deployments.
type MemoryStreamer struct {
	mu      sync.Mutex
	streams map[streamKey]*memoryStream
}

type streamKey struct {
	runID string
	name  string
}

type memoryStream struct {
	chunks [][]byte
	done   bool
	// changed is closed and replaced on every append or close so blocked
	// readers wake up.
	changed chan struct{}
}

// NewMemoryStreamer creates an empty in-memory stream store.
func NewMemoryStreamer() *MemoryStreamer {
	return &MemoryStreamer{streams: make(map[streamKey]*memoryStream)}
}

func (m *MemoryStreamer) getOrCreate(runID, name string) *memoryStream {
	key := streamKey{runID: runID, name: name}
	s, ok := m.streams[key]
	if !ok {
		s = &memoryStream{changed: make(chan struct{})}
		m.streams[key] = s
	}
	return s
}

// Write appends a chunk and returns its index.
func (m *MemoryStreamer) Write(ctx context.Context, runID, name string, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(runID, name)
	if s.done {
		return 0, fmt.Errorf("stream %s/%s: write after close", runID, name)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.chunks = append(s.chunks, buf)
	s.broadcast()
	return len(s.chunks) - 1, nil
}

// CloseStream sets the done flag.
func (m *MemoryStreamer) CloseStream(ctx context.Context, runID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(runID, name)
	if !s.done {
		s.done = true
		s.broadcast()
	}
	return nil
}

// Read returns a lazy reader starting at startIndex.
func (m *MemoryStreamer) Read(ctx context.Context, runID, name string, startIndex int) (Reader, error) {
	if startIndex < 0 {
		startIndex = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Readers may attach before the first write.
	s := m.getOrCreate(runID, name)
	return &memoryReader{store: m, stream: s, next: startIndex}, nil
}

// Stat reports chunk count and done flag.
func (m *MemoryStreamer) Stat(ctx context.Context, runID, name string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamKey{runID: runID, name: name}]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "stream", ID: runID + "/" + name}
	}
	return &Info{Name: name, Chunks: len(s.chunks), Done: s.done}, nil
}

// ListByRun enumerates stream names attached to a run, sorted.
func (m *MemoryStreamer) ListByRun(ctx context.Context, runID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for key := range m.streams {
		if key.runID == runID {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// broadcast wakes blocked readers. Caller holds the store lock.
func (s *memoryStream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

type memoryReader struct {
	store  *MemoryStreamer
	stream *memoryStream
	next   int
	closed bool
}

// Next returns the next chunk in append order, blocking until one is
// available or the stream is done.
func (r *memoryReader) Next(ctx context.Context) (*Chunk, error) {
	for {
		if r.closed {
			return nil, io.EOF
		}

		r.store.mu.Lock()
		if r.next < len(r.stream.chunks) {
			chunk := &Chunk{Index: r.next, Data: r.stream.chunks[r.next]}
			r.next++
			r.store.mu.Unlock()
			return chunk, nil
		}
		if r.stream.done {
			r.store.mu.Unlock()
			return nil, io.EOF
		}
		wait := r.stream.changed
		r.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Close releases the reader.
func (r *memoryReader) Close() error {
	r.closed = true
	return nil
}
