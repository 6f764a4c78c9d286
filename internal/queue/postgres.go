package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	enqueueTaskSQL = `INSERT INTO signal_tasks (id, signal_id, enqueued_at, available_at)
    SELECT $1, $2, $3, $3
    WHERE NOT EXISTS (
        SELECT 1 FROM signal_tasks
        WHERE signal_id = $2
          AND leased_until IS NULL
    );`

	dropExhaustedSQL = `DELETE FROM signal_tasks
    WHERE leased_until IS NOT NULL
      AND leased_until < $1
      AND attempt >= $2;`

	leaseTaskSQL = `UPDATE signal_tasks
    SET leased_until = $2,
        attempt      = attempt + 1
    WHERE id = (
        SELECT id FROM signal_tasks
        WHERE (leased_until IS NULL AND available_at <= $1)
           OR (leased_until IS NOT NULL AND leased_until < $1)
        ORDER BY available_at
        FOR UPDATE SKIP LOCKED
        LIMIT 1
    )
    RETURNING id, signal_id, attempt, enqueued_at;`

	ackTaskSQL = `DELETE FROM signal_tasks WHERE id = $1;`

	dropDuplicateSQL = `DELETE FROM signal_tasks t
    WHERE t.id = $1
      AND EXISTS (
        SELECT 1 FROM signal_tasks p
        WHERE p.signal_id = t.signal_id
          AND p.leased_until IS NULL
          AND p.id <> t.id
    );`

	releaseTaskSQL = `UPDATE signal_tasks
    SET leased_until = NULL,
        available_at = $2,
        last_error   = $3
    WHERE id = $1;`
)

// PostgresQueue stores tasks in the signal_tasks table and leases them with
// FOR UPDATE SKIP LOCKED, so any number of workers across replicas can share it.
type PostgresQueue struct {
	pool *pgxpool.Pool
	opts Options
	now  func() time.Time
}

// NewPostgresQueue wires a queue onto an existing pool. The table is created by storage migrations.
func NewPostgresQueue(pool *pgxpool.Pool, opts Options) *PostgresQueue {
	return &PostgresQueue{pool: pool, opts: opts.withDefaults(), now: time.Now}
}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, signalIDs ...string) (int, error) {
	if len(signalIDs) == 0 {
		return 0, nil
	}
	now := q.now().UTC()

	batch := &pgx.Batch{}
	for _, id := range signalIDs {
		batch.Queue(enqueueTaskSQL, uuid.New(), id, now)
	}
	results := q.pool.SendBatch(ctx, batch)
	defer results.Close()

	added := 0
	for range signalIDs {
		tag, err := results.Exec()
		if err != nil {
			return added, fmt.Errorf("enqueue task: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Dequeue implements Queue.
func (q *PostgresQueue) Dequeue(ctx context.Context) (Task, error) {
	now := q.now().UTC()

	if _, err := q.pool.Exec(ctx, dropExhaustedSQL, now, q.opts.MaxAttempts); err != nil {
		return Task{}, fmt.Errorf("drop exhausted tasks: %w", err)
	}

	var task Task
	err := q.pool.QueryRow(ctx, leaseTaskSQL, now, now.Add(q.opts.VisibilityTimeout)).
		Scan(&task.ID, &task.SignalID, &task.Attempt, &task.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrEmpty
	}
	if err != nil {
		return Task{}, fmt.Errorf("lease task: %w", err)
	}
	return task, nil
}

// Ack implements Queue.
func (q *PostgresQueue) Ack(ctx context.Context, task Task) error {
	if _, err := q.pool.Exec(ctx, ackTaskSQL, task.ID); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// Nack implements Queue.
func (q *PostgresQueue) Nack(ctx context.Context, task Task, cause error) error {
	if task.Attempt >= q.opts.MaxAttempts {
		if _, err := q.pool.Exec(ctx, ackTaskSQL, task.ID); err != nil {
			return fmt.Errorf("drop task %s: %w", task.ID, err)
		}
		return fmt.Errorf("%w: signal %s after %d attempts", ErrAttemptsExhausted, task.SignalID, task.Attempt)
	}

	tag, err := q.pool.Exec(ctx, dropDuplicateSQL, task.ID)
	if err != nil {
		return fmt.Errorf("nack task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var lastErr interface{}
	if cause != nil {
		lastErr = cause.Error()
	}
	availableAt := q.now().UTC().Add(Backoff(q.opts.RetryBackoff, task.Attempt))
	if _, err := q.pool.Exec(ctx, releaseTaskSQL, task.ID, availableAt, lastErr); err != nil {
		return fmt.Errorf("nack task %s: %w", task.ID, err)
	}
	return nil
}

var _ Queue = (*PostgresQueue)(nil)
