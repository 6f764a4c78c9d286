package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(opts Options) (*MemoryQueue, *clock) {
	c := &clock{t: time.Date(2025, 12, 3, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(opts)
	q.SetClock(c.now)
	return q, c
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  5 * time.Second,
		1:  5 * time.Second,
		2:  10 * time.Second,
		3:  20 * time.Second,
		20: maxBackoff,
	}
	for attempt, want := range cases {
		if got := Backoff(5*time.Second, attempt); got != want {
			t.Errorf("Backoff(5s, %d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestMemoryQueueCoalescesPending(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(Options{})

	n, err := q.Enqueue(ctx, "a", "b", "a")
	if err != nil || n != 2 {
		t.Fatalf("enqueue: n=%d err=%v", n, err)
	}
	if n, _ := q.Enqueue(ctx, "a"); n != 0 {
		t.Fatalf("pending task should absorb the new one, added %d", n)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.Attempt != 1 {
		t.Fatalf("first delivery should be attempt 1, got %d", task.Attempt)
	}
	// the leased task no longer blocks a fresh one for the same signal
	if n, _ := q.Enqueue(ctx, task.SignalID); n != 1 {
		t.Fatalf("expected a new task while the old one is leased, added %d", n)
	}
}

func TestMemoryQueueAckRemoves(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(Options{})
	_, _ = q.Enqueue(ctx, "a")

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Ack(ctx, task); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty, has %d", q.Len())
	}
}

func TestMemoryQueueRedeliversUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(Options{MaxAttempts: 3, RetryBackoff: time.Second})
	_, _ = q.Enqueue(ctx, "a")

	cause := errors.New("boom")
	for attempt := 1; attempt <= 3; attempt++ {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("attempt %d: dequeue: %v", attempt, err)
		}
		if task.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, task.Attempt)
		}

		err = q.Nack(ctx, task, cause)
		if attempt < 3 {
			if err != nil {
				t.Fatalf("attempt %d: nack: %v", attempt, err)
			}
			if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
				t.Fatalf("task must wait out its backoff, got %v", err)
			}
			c.advance(Backoff(time.Second, attempt))
			continue
		}
		if !errors.Is(err, ErrAttemptsExhausted) {
			t.Fatalf("final nack should report exhaustion, got %v", err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("exhausted task should be dropped, %d left", q.Len())
	}
}

func TestMemoryQueueExpiredLeaseRedelivers(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(Options{MaxAttempts: 2, VisibilityTimeout: time.Minute})
	_, _ = q.Enqueue(ctx, "a")

	first, _ := q.Dequeue(ctx)
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("leased task must be invisible, got %v", err)
	}

	c.advance(time.Minute + time.Second)
	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expired lease should redeliver: %v", err)
	}
	if second.ID != first.ID || second.Attempt != 2 {
		t.Fatalf("unexpected redelivery %#v", second)
	}

	c.advance(time.Minute + time.Second)
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("task past max attempts must be dropped, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, %d left", q.Len())
	}
}

func TestMemoryQueueNackDropsDuplicate(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(Options{MaxAttempts: 5})
	_, _ = q.Enqueue(ctx, "a")
	task, _ := q.Dequeue(ctx)
	_, _ = q.Enqueue(ctx, "a")

	if err := q.Nack(ctx, task, errors.New("x")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("nacked task should fold into the pending one, have %d", q.Len())
	}
}

func TestMemoryQueueHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q, _ := newTestQueue(Options{})
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestPostgresQueue runs against a real database when FLARE_TEST_DATABASE_DSN is set.
// The signal_tasks table must already exist (flare migrate).
func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("FLARE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("FLARE_TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, `DELETE FROM signal_tasks WHERE signal_id LIKE 'queue-test-%'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	q := NewPostgresQueue(pool, Options{MaxAttempts: 2, RetryBackoff: time.Millisecond})
	n, err := q.Enqueue(ctx, "queue-test-a", "queue-test-a")
	if err != nil || n != 1 {
		t.Fatalf("enqueue: n=%d err=%v", n, err)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.SignalID != "queue-test-a" || task.Attempt != 1 {
		t.Fatalf("unexpected task %#v", task)
	}
	if err := q.Nack(ctx, task, errors.New("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.ID != task.ID || again.Attempt != 2 {
		t.Fatalf("unexpected redelivery %#v", again)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
