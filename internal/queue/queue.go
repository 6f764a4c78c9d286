// Package queue delivers per-signal evaluation tasks at least once.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmpty is returned by Dequeue when no task is ready.
	ErrEmpty = errors.New("queue: no task available")
	// ErrAttemptsExhausted is returned by Nack when the task was dropped for good.
	ErrAttemptsExhausted = errors.New("queue: task exhausted its attempts")
)

const maxBackoff = 10 * time.Minute

// Task asks a worker to evaluate one signal.
type Task struct {
	ID       uuid.UUID
	SignalID string
	// Attempt counts deliveries, including the current one.
	Attempt    int
	EnqueuedAt time.Time
}

// Queue is an at-least-once task queue. A task is redelivered when it is nacked
// or when its lease expires before Ack.
type Queue interface {
	// Enqueue adds one task per signal id, skipping ids that already have a
	// pending task. It returns the number of tasks added.
	Enqueue(ctx context.Context, signalIDs ...string) (int, error)
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
	Nack(ctx context.Context, task Task, cause error) error
}

// Options tunes redelivery.
type Options struct {
	MaxAttempts       int
	RetryBackoff      time.Duration
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	return o
}

// Backoff is the delay before the retry that follows delivery number attempt.
// It doubles per attempt and is capped at ten minutes.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
