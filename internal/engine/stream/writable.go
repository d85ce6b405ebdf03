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
	"sync"
	"time"
)

// DefaultPollInterval is the cadence at which a writable probes its lock to
// detect release-without-close.
const DefaultPollInterval = 100 * time.Millisecond

// Writable is a write-only stream handle with flushable done semantics.
// Its done signal resolves when either:
//
//  1. the producer explicitly closes or errors the stream, or
//  2. the producer releases its exclusive lock and every in-flight write
//     has been acknowledged by the sink.
//
// The lock primitive exposes no release event, so release is detected by
// probing with a short acquisition at a fixed cadence: a successful probe
// means unlocked-and-not-closed, at which point a zero pending-write counter
// resolves done. A failed probe means the stream is still owned or has been
// closed; the close path resolves done itself.
type Writable struct {
	streamer Streamer
	runID    string
	name     string
	interval time.Duration

	// lock is the producer's exclusive hold on the handle. It stays held
	// from creation until Release, and is never released after Close so
	// probes fail once the stream has ended.
	lock sync.Mutex

	mu          sync.Mutex
	pendingOps  int
	streamEnded bool
	released    bool
	writeErr    error

	doneOnce sync.Once
	done     chan struct{}
	stopPoll chan struct{}
}

// NewWritable creates a writable handle over (runID, name) and acquires the
// producer lock. pollInterval <= 0 uses DefaultPollInterval.
func NewWritable(streamer Streamer, runID, name string, pollInterval time.Duration) *Writable {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &Writable{
		streamer: streamer,
		runID:    runID,
		name:     name,
		interval: pollInterval,
		done:     make(chan struct{}),
		stopPoll: make(chan struct{}),
	}
	w.lock.Lock()
	go w.pollRelease()
	return w
}

// Name returns the stream name the handle writes to.
func (w *Writable) Name() string { return w.name }

// RunID returns the run the stream belongs to.
func (w *Writable) RunID() string { return w.runID }

// Write appends a chunk. The call returns only after the sink acknowledges
// storage, so a fast producer is paced by the sink. Writes are serialized in
// issue order by the sink's append index.
func (w *Writable) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	if w.streamEnded {
		err := w.writeErr
		w.mu.Unlock()
		if err != nil {
			return err
		}
		return context.Canceled
	}
	w.pendingOps++
	w.mu.Unlock()

	_, err := w.streamer.Write(ctx, w.runID, w.name, data)

	w.mu.Lock()
	w.pendingOps--
	w.mu.Unlock()

	if err != nil {
		w.endWithError(ctx, err)
		return err
	}
	return nil
}

// Close closes the underlying stream and resolves done.
func (w *Writable) Close(ctx context.Context) error {
	err := w.streamer.CloseStream(ctx, w.runID, w.name)

	w.mu.Lock()
	w.streamEnded = true
	w.mu.Unlock()

	w.resolveDone()
	return err
}

// endWithError records a write failure, closes the stream, and resolves done.
func (w *Writable) endWithError(ctx context.Context, err error) {
	w.mu.Lock()
	if w.streamEnded {
		w.mu.Unlock()
		return
	}
	w.streamEnded = true
	w.writeErr = err
	w.mu.Unlock()

	_ = w.streamer.CloseStream(ctx, w.runID, w.name)
	w.resolveDone()
}

// Release gives up the producer's exclusive lock without closing the stream.
// Once all in-flight writes are acknowledged, done resolves and the stream
// stays open for another owner.
func (w *Writable) Release() {
	w.mu.Lock()
	if w.released || w.streamEnded {
		w.mu.Unlock()
		return
	}
	w.released = true
	w.mu.Unlock()

	w.lock.Unlock()
}

// Done returns a channel closed when the stream is definitively done from
// the producer's point of view.
func (w *Writable) Done() <-chan struct{} { return w.done }

// Err returns the write error that ended the stream, if any.
func (w *Writable) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

func (w *Writable) resolveDone() {
	w.doneOnce.Do(func() {
		close(w.done)
		close(w.stopPoll)
	})
}

// pollRelease probes the producer lock at the configured cadence. A
// successful probe with zero pending writes resolves done.
func (w *Writable) pollRelease() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopPoll:
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		ended := w.streamEnded
		w.mu.Unlock()
		if ended {
			// The close or error path resolves done.
			return
		}

		if !w.lock.TryLock() {
			continue
		}
		w.mu.Lock()
		pending := w.pendingOps
		w.mu.Unlock()
		w.lock.Unlock()

		if pending == 0 {
			w.resolveDone()
			return
		}
	}
}
