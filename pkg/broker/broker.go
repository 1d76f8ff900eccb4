// Package broker is the task queue seam between the HTTP surface and
// the worker runtime. Tasks are opaque JSON envelopes on durable work
// queues with at-least-once delivery: a task invisible while a worker
// holds it, redelivered when the worker dies, dead-lettered when it
// keeps failing.
package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue names. Pro-tier owners get a dedicated queue so free-tier
// backlog never starves them.
const (
	QueueFree = "memory_free"
	QueuePro  = "memory_pro"
)

// DeadLetterQueue receives tasks that exhausted their retries.
const DeadLetterQueue = "memory_dead"

// QueueForTier maps an owner tier onto a queue. The comparison is
// case-insensitive; anything that is not "pro" is free tier.
func QueueForTier(tier string) string {
	if strings.EqualFold(strings.TrimSpace(tier), "pro") {
		return QueuePro
	}
	return QueueFree
}

// Task is the envelope placed on a queue. Payload stays raw so the
// broker never depends on task semantics.
type Task struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	Queue      string          `json:"queue"`
	OwnerID    string          `json:"owner_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is one leased task. The worker must settle it exactly once
// via Ack, Retry or Bury before the visibility window expires.
type Delivery interface {
	Task() *Task
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt() int
	// Ack settles the task as done.
	Ack() error
	// Retry returns the task to the queue after the given delay.
	Retry(delay time.Duration) error
	// Bury removes the task from the work queue and publishes it to
	// the dead letter queue.
	Bury() error
	// Extend resets the visibility window for a long-running task.
	Extend() error
}

// Broker is the queue contract.
type Broker interface {
	// Enqueue makes the task durable before returning. The task id is
	// assigned when zero.
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue leases the next task from the queue, blocking up to
	// maxWait. Returns nil, nil when nothing arrived in time.
	Dequeue(ctx context.Context, queue string, maxWait time.Duration) (Delivery, error)
	Close()
}
