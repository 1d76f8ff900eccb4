package broker

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *JetStreamBroker {
	t.Helper()
	logger := log.New(io.Discard)

	srv, err := StartEmbeddedServer(logger, t.TempDir(), -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := NewClient(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewJetStreamBroker(ctx, logger, nc, JetStreamConfig{
		Visibility: 2 * time.Second,
		MaxDeliver: 3,
	})
	require.NoError(t, err)
	return b
}

func TestQueueForTier(t *testing.T) {
	assert.Equal(t, QueuePro, QueueForTier("pro"))
	assert.Equal(t, QueuePro, QueueForTier("PRO"))
	assert.Equal(t, QueuePro, QueueForTier(" Pro "))
	assert.Equal(t, QueueFree, QueueForTier("free"))
	assert.Equal(t, QueueFree, QueueForTier(""))
	assert.Equal(t, QueueFree, QueueForTier("enterprise"))
}

func TestEnqueueDequeueAck(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	task := &Task{
		Kind:    "memory.add",
		Queue:   QueueFree,
		OwnerID: "owner-1",
		Payload: json.RawMessage(`{"content":"likes espresso"}`),
	}
	require.NoError(t, b.Enqueue(ctx, task))
	require.NotEqual(t, uuid.Nil, task.ID)

	delivery, err := b.Dequeue(ctx, QueueFree, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	got := delivery.Task()
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "memory.add", got.Kind)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, 1, delivery.Attempt())
	require.NoError(t, delivery.Ack())

	// Acked tasks do not come back.
	next, err := b.Dequeue(ctx, QueueFree, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	b := newTestBroker(t)

	delivery, err := b.Dequeue(context.Background(), QueuePro, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestQueuesAreIsolated(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Kind: "memory.add", Queue: QueuePro, OwnerID: "owner-p"}))

	free, err := b.Dequeue(ctx, QueueFree, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, free, "pro task must not leak into the free queue")

	pro, err := b.Dequeue(ctx, QueuePro, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, pro)
	assert.Equal(t, "owner-p", pro.Task().OwnerID)
	require.NoError(t, pro.Ack())
}

func TestRetryRedeliversWithBumpedAttempt(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Kind: "memory.add", Queue: QueueFree, OwnerID: "owner-1"}))

	first, err := b.Dequeue(ctx, QueueFree, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempt())
	require.NoError(t, first.Retry(50*time.Millisecond))

	var second Delivery
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		second, err = b.Dequeue(ctx, QueueFree, 1*time.Second)
		require.NoError(t, err)
		if second != nil {
			break
		}
	}
	require.NotNil(t, second, "nacked task must be redelivered")
	assert.Equal(t, 2, second.Attempt())
	require.NoError(t, second.Ack())
}

func TestBuryMovesTaskToDeadLetterStream(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Kind: "memory.add", Queue: QueueFree, OwnerID: "owner-1"}))

	delivery, err := b.Dequeue(ctx, QueueFree, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NoError(t, delivery.Bury())

	// Buried tasks never return to the work queue.
	next, err := b.Dequeue(ctx, QueueFree, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)

	stream, err := b.js.Stream(ctx, deadStream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs, "dead letter stream should hold the buried task")
}
