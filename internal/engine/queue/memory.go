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

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when operations are performed on a closed queue.
var ErrClosed = &Error{message: "queue is closed"}

// Error represents a queue-related error.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return e.message
}

// Compile-time interface assertion.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory queue implementation with visibility
// timeouts, delayed messages, idempotency-key dedup, and max message age.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	dedup   map[string]string
	maxAge  time.Duration
	closed  bool
	now     func() time.Time
}

type memQueue struct {
	items []*memItem
	// signal wakes one blocked receiver when a message may be available.
	signal chan struct{}
}

type memItem struct {
	msg        Message
	visibleAt  time.Time
	inflight   bool
	deadline   time.Time
	generation int
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithMaxAge sets the broker-level maximum message age.
func WithMaxAge(maxAge time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.maxAge = maxAge }
}

// WithClock overrides the queue's time source. Test hook.
func WithClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		queues: make(map[string]*memQueue),
		dedup:  make(map[string]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) getQueue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{signal: make(chan struct{}, 1)}
		q.queues[name] = mq
	}
	return mq
}

// Send enqueues a message. Duplicate idempotency keys are absorbed into a
// synthetic message ID without enqueuing.
func (q *MemoryQueue) Send(ctx context.Context, queueName string, payload []byte, opts SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	if opts.IdempotencyKey != "" {
		if _, seen := q.dedup[queueName+"\x00"+opts.IdempotencyKey]; seen {
			return uuid.NewString(), nil
		}
	}

	id := uuid.NewString()
	now := q.now()
	buf := make([]byte, len(payload))
	copy(buf, payload)

	mq := q.getQueue(queueName)
	mq.items = append(mq.items, &memItem{
		msg: Message{
			ID:             id,
			Queue:          queueName,
			Payload:        buf,
			IdempotencyKey: opts.IdempotencyKey,
			CreatedAt:      now,
		},
		visibleAt: now.Add(opts.Delay),
	})
	if opts.IdempotencyKey != "" {
		q.dedup[queueName+"\x00"+opts.IdempotencyKey] = id
	}

	select {
	case mq.signal <- struct{}{}:
	default:
	}
	return id, nil
}

// Receive blocks until a message is available or the context is cancelled.
func (q *MemoryQueue) Receive(ctx context.Context, queueName string, visibility time.Duration) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		mq := q.getQueue(queueName)
		now := q.now()
		q.expireLocked(mq, now)

		if item := q.claimLocked(mq, now, visibility); item != nil {
			delivery := q.deliveryLocked(queueName, item)
			q.mu.Unlock()
			return delivery, nil
		}

		wakeAt := q.nextWakeLocked(mq, now)
		signal := mq.signal
		q.mu.Unlock()

		timer := time.NewTimer(wakeAt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// expireLocked releases visibility-expired deliveries back to the queue and
// drops messages past the broker max age.
func (q *MemoryQueue) expireLocked(mq *memQueue, now time.Time) {
	kept := mq.items[:0]
	for _, item := range mq.items {
		if item.inflight && now.After(item.deadline) {
			item.inflight = false
			item.generation++
		}
		if q.maxAge > 0 && !item.inflight && now.Sub(item.msg.CreatedAt) > q.maxAge {
			continue
		}
		kept = append(kept, item)
	}
	mq.items = kept
}

func (q *MemoryQueue) claimLocked(mq *memQueue, now time.Time, visibility time.Duration) *memItem {
	for _, item := range mq.items {
		if item.inflight || item.visibleAt.After(now) {
			continue
		}
		item.inflight = true
		item.deadline = now.Add(visibility)
		item.msg.DeliveryCount++
		return item
	}
	return nil
}

// nextWakeLocked computes how long a receiver may sleep before a delayed or
// redelivered message could become visible.
func (q *MemoryQueue) nextWakeLocked(mq *memQueue, now time.Time) time.Duration {
	wake := 10 * time.Second
	for _, item := range mq.items {
		var at time.Time
		if item.inflight {
			at = item.deadline
		} else {
			at = item.visibleAt
		}
		if d := at.Sub(now); d > 0 && d < wake {
			wake = d
		}
	}
	if wake < time.Millisecond {
		wake = time.Millisecond
	}
	return wake
}

// deliveryLocked builds the settlement handle for a claimed item. The
// generation guards settlements from stale deliveries after a visibility
// expiry.
func (q *MemoryQueue) deliveryLocked(queueName string, item *memItem) *Delivery {
	generation := item.generation
	msg := item.msg
	msg.Payload = append([]byte(nil), item.msg.Payload...)

	return &Delivery{
		Message: msg,
		Ack: func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if item.generation != generation || !item.inflight {
				return
			}
			mq := q.getQueue(queueName)
			for i, candidate := range mq.items {
				if candidate == item {
					mq.items = append(mq.items[:i], mq.items[i+1:]...)
					break
				}
			}
		},
		Nack: func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if item.generation != generation || !item.inflight {
				return
			}
			item.inflight = false
			item.generation++
			if q.closed {
				return
			}
			mq := q.getQueue(queueName)
			select {
			case mq.signal <- struct{}{}:
			default:
			}
		},
		Extend: func(d time.Duration) bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			if item.generation != generation || !item.inflight {
				return false
			}
			item.deadline = q.now().Add(d)
			return true
		},
	}
}

// Depth returns the number of messages on the named queue.
func (q *MemoryQueue) Depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[queueName]
	if !ok {
		return 0
	}
	return len(mq.items)
}

// MaxAge returns the broker-level maximum message age.
func (q *MemoryQueue) MaxAge() time.Duration { return q.maxAge }

// Close shuts the queue down.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, mq := range q.queues {
		close(mq.signal)
	}
	return nil
}
