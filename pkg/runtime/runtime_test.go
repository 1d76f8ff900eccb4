package runtime

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/broker/brokertest"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/storetest"
	"github.com/engramlabs/engram/pkg/taskerr"
)

type fixtures struct {
	runtime *Runtime
	broker  *brokertest.MemoryBroker
	records *storetest.FakeRecordStore
}

func newFixtures(t *testing.T, concurrency, maxRetries int) *fixtures {
	t.Helper()
	f := &fixtures{
		broker:  brokertest.New(),
		records: storetest.NewFakeRecordStore(),
	}
	rt, err := New(Dependencies{
		Logger:      log.New(io.Discard),
		Broker:      f.broker,
		Records:     f.records,
		Concurrency: concurrency,
		MaxRetries:  maxRetries,
		BaseDelay:   5 * time.Millisecond,
		SoftLimit:   5 * time.Second,
	})
	require.NoError(t, err)
	f.runtime = rt
	return f
}

// enqueue registers the task record the way the engine does and puts
// the task on its queue.
func (f *fixtures) enqueue(t *testing.T, kind, queue, ownerID string) *broker.Task {
	t.Helper()
	ctx := context.Background()
	task := &broker.Task{
		ID:      uuid.New(),
		Kind:    kind,
		Queue:   queue,
		OwnerID: ownerID,
		Payload: json.RawMessage(`{}`),
	}
	require.NoError(t, f.records.CreateTaskRecord(ctx, &recordstore.TaskRecord{
		TaskID:  task.ID,
		OwnerID: ownerID,
		Kind:    kind,
		Queue:   queue,
	}))
	require.NoError(t, f.broker.Enqueue(ctx, task))
	return task
}

func (f *fixtures) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.runtime.Shutdown(ctx))
}

func waitForStatus(t *testing.T, records *storetest.FakeRecordStore, taskID uuid.UUID, status string) *recordstore.TaskRecord {
	t.Helper()
	var rec *recordstore.TaskRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = records.TaskByID(context.Background(), taskID)
		return err == nil && rec.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, status)
	return rec
}

func TestProcessSuccess(t *testing.T) {
	f := newFixtures(t, 1, 3)
	var calls int
	var mu sync.Mutex
	f.runtime.Register("memory.add", func(_ context.Context, task *broker.Task, attempt int) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.Equal(t, 1, attempt)
		return json.RawMessage(`{"added":1}`), nil
	})

	task := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, task.ID, recordstore.TaskSuccess)
	assert.Equal(t, 1, rec.Attempts)
	assert.JSONEq(t, `{"added":1}`, string(rec.Result))
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, 1, f.broker.AckedCount())
	assert.Empty(t, f.broker.DeadTasks())
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	f := newFixtures(t, 1, 3)
	var mu sync.Mutex
	attempts := []int{}
	f.runtime.Register("memory.add", func(_ context.Context, _ *broker.Task, attempt int) (json.RawMessage, error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		if attempt == 1 {
			return nil, taskerr.New(taskerr.Transient, "store briefly down")
		}
		return nil, nil
	})

	task := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, task.ID, recordstore.TaskSuccess)
	assert.Equal(t, 2, rec.Attempts)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestPermanentErrorBuriesImmediately(t *testing.T) {
	f := newFixtures(t, 1, 3)
	var mu sync.Mutex
	calls := 0
	f.runtime.Register("memory.add", func(_ context.Context, _ *broker.Task, _ int) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, taskerr.New(taskerr.PermanentReject, "owner over quota")
	})

	task := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, task.ID, recordstore.TaskFailure)
	assert.Contains(t, rec.Error, "owner over quota")
	mu.Lock()
	assert.Equal(t, 1, calls, "permanent rejection must not retry")
	mu.Unlock()
	require.Len(t, f.broker.DeadTasks(), 1)
	assert.Equal(t, task.ID, f.broker.DeadTasks()[0].ID)
}

func TestRetriesExhaustedGoesToDeadLetter(t *testing.T) {
	f := newFixtures(t, 1, 1)
	var mu sync.Mutex
	calls := 0
	f.runtime.Register("memory.add", func(_ context.Context, _ *broker.Task, _ int) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, taskerr.New(taskerr.Transient, "still down")
	})

	task := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	waitForStatus(t, f.records, task.ID, recordstore.TaskFailure)
	mu.Lock()
	assert.Equal(t, 2, calls, "one retry allowed, then dead letter")
	mu.Unlock()
	assert.Len(t, f.broker.DeadTasks(), 1)
}

func TestUnknownKindFailsWithoutHandler(t *testing.T) {
	f := newFixtures(t, 1, 3)

	task := f.enqueue(t, "memory.unknown", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, task.ID, recordstore.TaskFailure)
	assert.Contains(t, rec.Error, "no handler registered")
	assert.Len(t, f.broker.DeadTasks(), 1)
}

func TestHandlerPanicIsContained(t *testing.T) {
	f := newFixtures(t, 1, 3)
	f.runtime.Register("memory.add", func(_ context.Context, task *broker.Task, _ int) (json.RawMessage, error) {
		if task.OwnerID == "poison" {
			panic("boom")
		}
		return nil, nil
	})

	poisoned := f.enqueue(t, "memory.add", broker.QueueFree, "poison")
	healthy := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, poisoned.ID, recordstore.TaskFailure)
	assert.Contains(t, rec.Error, "handler panic")
	waitForStatus(t, f.records, healthy.ID, recordstore.TaskSuccess)
	assert.Len(t, f.broker.DeadTasks(), 1)
}

func TestProQueueDrainsFirst(t *testing.T) {
	f := newFixtures(t, 1, 3)
	var mu sync.Mutex
	var order []string
	f.runtime.Register("memory.add", func(_ context.Context, task *broker.Task, _ int) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, task.Queue)
		mu.Unlock()
		return nil, nil
	})

	free := f.enqueue(t, "memory.add", broker.QueueFree, "owner-free")
	pro := f.enqueue(t, "memory.add", broker.QueuePro, "owner-pro")
	f.runtime.Start()
	defer f.shutdown(t)

	waitForStatus(t, f.records, free.ID, recordstore.TaskSuccess)
	waitForStatus(t, f.records, pro.ID, recordstore.TaskSuccess)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, broker.QueuePro, order[0], "pro tasks are leased before free ones")
}

func TestSoftLimitCancelsHandlerContext(t *testing.T) {
	f := &fixtures{broker: brokertest.New(), records: storetest.NewFakeRecordStore()}
	rt, err := New(Dependencies{
		Logger:     log.New(io.Discard),
		Broker:     f.broker,
		Records:    f.records,
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		SoftLimit:  30 * time.Millisecond,
	})
	require.NoError(t, err)
	f.runtime = rt

	f.runtime.Register("memory.add", func(ctx context.Context, _ *broker.Task, _ int) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, taskerr.Wrap(taskerr.Transient, ctx.Err(), "task deadline")
	})

	task := f.enqueue(t, "memory.add", broker.QueueFree, "owner-1")
	f.runtime.Start()
	defer f.shutdown(t)

	rec := waitForStatus(t, f.records, task.ID, recordstore.TaskFailure)
	assert.Contains(t, rec.Error, "deadline")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	rt, err := New(Dependencies{
		Logger:    log.New(io.Discard),
		Broker:    brokertest.New(),
		Records:   storetest.NewFakeRecordStore(),
		BaseDelay: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, rt.backoff(1))
	assert.Equal(t, 20*time.Second, rt.backoff(2))
	assert.Equal(t, 40*time.Second, rt.backoff(3))
	assert.Equal(t, 5*time.Minute, rt.backoff(10))
}

func TestLogName(t *testing.T) {
	assert.Equal(t, "MEMORY_ADD", logName("memory.add"))
	assert.Equal(t, "MEMORY_BATCH_ADD", logName("memory.batch_add"))
	assert.Equal(t, "CONVERSATION_FLUSH", logName("conversation-flush"))
}
