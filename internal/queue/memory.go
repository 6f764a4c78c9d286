package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	task        Task
	availableAt time.Time
	leasedUntil time.Time
	leased      bool
}

// MemoryQueue is an in-process Queue. Tasks do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry
	opts    Options
	now     func() time.Time
}

// NewMemoryQueue builds an empty queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{opts: opts.withDefaults(), now: time.Now}
}

// SetClock overrides the queue clock.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, signalIDs ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	added := 0
	for _, id := range signalIDs {
		if q.hasPending(id, uuid.Nil) {
			continue
		}
		q.entries = append(q.entries, &memoryEntry{
			task:        Task{ID: uuid.New(), SignalID: id, EnqueuedAt: now},
			availableAt: now,
		})
		added++
	}
	return added, nil
}

// Dequeue implements Queue. Expired leases become available again.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.leased && now.After(e.leasedUntil) && e.task.Attempt >= q.opts.MaxAttempts {
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept

	var next *memoryEntry
	for _, e := range q.entries {
		ready := (!e.leased && !e.availableAt.After(now)) || (e.leased && now.After(e.leasedUntil))
		if !ready {
			continue
		}
		if next == nil || e.availableAt.Before(next.availableAt) {
			next = e
		}
	}
	if next == nil {
		return Task{}, ErrEmpty
	}

	next.leased = true
	next.leasedUntil = now.Add(q.opts.VisibilityTimeout)
	next.task.Attempt++
	return next.task, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.remove(task.ID) {
		return fmt.Errorf("ack task %s: not found", task.ID)
	}
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, task Task, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.find(task.ID)
	if e == nil {
		return fmt.Errorf("nack task %s: not found", task.ID)
	}
	if task.Attempt >= q.opts.MaxAttempts {
		q.remove(task.ID)
		return fmt.Errorf("%w: signal %s after %d attempts", ErrAttemptsExhausted, task.SignalID, task.Attempt)
	}
	if q.hasPending(task.SignalID, task.ID) {
		q.remove(task.ID)
		return nil
	}
	e.leased = false
	e.availableAt = q.now().Add(Backoff(q.opts.RetryBackoff, task.Attempt))
	return nil
}

// Len reports how many tasks are queued or leased.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *MemoryQueue) hasPending(signalID string, except uuid.UUID) bool {
	for _, e := range q.entries {
		if e.task.SignalID == signalID && !e.leased && e.task.ID != except {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) find(id uuid.UUID) *memoryEntry {
	for _, e := range q.entries {
		if e.task.ID == id {
			return e
		}
	}
	return nil
}

func (q *MemoryQueue) remove(id uuid.UUID) bool {
	for i, e := range q.entries {
		if e.task.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

var _ Queue = (*MemoryQueue)(nil)
