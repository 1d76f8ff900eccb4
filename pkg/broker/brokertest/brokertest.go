// Package brokertest provides an in-memory Broker with the same
// settlement semantics as the JetStream implementation: leases,
// delayed redelivery and a dead letter list, no server required.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/engramlabs/engram/pkg/broker"
)

var _ broker.Broker = (*MemoryBroker)(nil)

type pendingTask struct {
	task      *broker.Task
	attempt   int
	notBefore time.Time
}

// MemoryBroker queues tasks in memory. Retry re-queues with a delay,
// Bury moves the task to Dead, and every settlement is once-only.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string][]*pendingTask

	Dead    []*broker.Task
	acked   int
	extends int

	FailEnqueue error
}

func New() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string][]*pendingTask)}
}

func (b *MemoryBroker) Enqueue(_ context.Context, task *broker.Task) error {
	if b.FailEnqueue != nil {
		return b.FailEnqueue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	b.queues[task.Queue] = append(b.queues[task.Queue], &pendingTask{task: task, attempt: 1})
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string, maxWait time.Duration) (broker.Delivery, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if p := b.takeReady(queue); p != nil {
			return &memoryDelivery{broker: b, pending: p}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) takeReady(queue string) *pendingTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for i, p := range b.queues[queue] {
		if p.notBefore.After(now) {
			continue
		}
		b.queues[queue] = append(b.queues[queue][:i], b.queues[queue][i+1:]...)
		return p
	}
	return nil
}

func (b *MemoryBroker) Close() {}

// QueueLen reports how many tasks sit in the queue, leased ones
// excluded.
func (b *MemoryBroker) QueueLen(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// AckedCount reports how many deliveries were settled with Ack.
func (b *MemoryBroker) AckedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// DeadTasks returns a snapshot of the dead letter list.
func (b *MemoryBroker) DeadTasks() []*broker.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*broker.Task(nil), b.Dead...)
}

type memoryDelivery struct {
	broker  *MemoryBroker
	pending *pendingTask
	settled bool
	mu      sync.Mutex
}

func (d *memoryDelivery) Task() *broker.Task { return d.pending.task }
func (d *memoryDelivery) Attempt() int       { return d.pending.attempt }

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return errors.New("delivery already settled")
	}
	d.settled = true
	return nil
}

func (d *memoryDelivery) Ack() error {
	if err := d.settle(); err != nil {
		return err
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.acked++
	return nil
}

func (d *memoryDelivery) Retry(delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	queue := d.pending.task.Queue
	d.broker.queues[queue] = append(d.broker.queues[queue], &pendingTask{
		task:      d.pending.task,
		attempt:   d.pending.attempt + 1,
		notBefore: time.Now().Add(delay),
	})
	return nil
}

func (d *memoryDelivery) Bury() error {
	if err := d.settle(); err != nil {
		return err
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.Dead = append(d.broker.Dead, d.pending.task)
	return nil
}

func (d *memoryDelivery) Extend() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.extends++
	return nil
}
