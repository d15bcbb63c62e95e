package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"validation-backend/internal/core/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(id, queue string) types.TaskDescriptor {
	return types.TaskDescriptor{
		TaskId:    id,
		TaskClass: types.TaskValidate,
		Payload:   json.RawMessage(`{"source":"A"}`),
		QueueName: queue,
		CreatedAt: time.Now().UTC(),
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	desc := descriptor("t1", types.ValidationQueue)
	desc.Fingerprint = "fp"

	data, err := EncodeDescriptor(desc)
	require.NoError(t, err)

	got, err := DecodeDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, desc.TaskId, got.TaskId)
	assert.Equal(t, desc.TaskClass, got.TaskClass)
	assert.Equal(t, desc.Fingerprint, got.Fingerprint)
	assert.JSONEq(t, string(desc.Payload), string(got.Payload))
	assert.True(t, desc.CreatedAt.Equal(got.CreatedAt))
}

func TestDecodeMalformedDescriptor(t *testing.T) {
	_, err := DecodeDescriptor([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeDescriptor([]byte(`{"task_id":"t1","task_class":"train"}`))
	assert.True(t, errors.Is(err, types.ErrInvalidTaskClass))

	_, err = DecodeDescriptor([]byte(`{"task_class":"validate"}`))
	assert.Error(t, err)
}

func TestInMemoryQueueFIFO(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, descriptor(id, types.ValidationQueue)))
	}
	assert.Equal(t, 3, q.Depth(types.ValidationQueue))

	for _, id := range []string{"a", "b", "c"} {
		task, err := q.Claim(ctx, types.ValidationQueue)
		require.NoError(t, err)
		desc, err := task.Descriptor()
		require.NoError(t, err)
		assert.Equal(t, id, desc.TaskId)
		require.NoError(t, task.Ack())
	}
	assert.Equal(t, 0, q.Depth(types.ValidationQueue))
}

func TestInMemoryQueueRoundRobin(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, descriptor("v1", types.ValidationQueue)))
	require.NoError(t, q.Publish(ctx, descriptor("v2", types.ValidationQueue)))
	require.NoError(t, q.Publish(ctx, descriptor("a1", types.AnalysisQueue)))

	var order []string
	for range 3 {
		task, err := q.Claim(ctx, types.ValidationQueue, types.AnalysisQueue)
		require.NoError(t, err)
		order = append(order, task.Type())
	}
	assert.Equal(t, []string{types.ValidationQueue, types.AnalysisQueue, types.ValidationQueue}, order)
}

func TestInMemoryQueueClaimBlocks(t *testing.T) {
	q := NewInMemoryQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Claim(ctx, types.ValidationQueue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan Task, 1)
	go func() {
		task, err := q.Claim(context.Background(), types.ComparisonQueue)
		if err == nil {
			done <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Publish(context.Background(), descriptor("c1", types.ComparisonQueue)))

	select {
	case task := <-done:
		assert.Equal(t, types.ComparisonQueue, task.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("claim was not woken by publish")
	}
}

func TestInMemoryQueueRedelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("NoRedeliveryByDefault", func(t *testing.T) {
		q := NewInMemoryQueue(0)
		require.NoError(t, q.Publish(ctx, descriptor("t1", types.ValidationQueue)))

		task, err := q.Claim(ctx, types.ValidationQueue)
		require.NoError(t, err)
		require.NoError(t, task.Nack())
		assert.Equal(t, 0, q.Depth(types.ValidationQueue))
	})

	t.Run("RedeliveryBudget", func(t *testing.T) {
		q := NewInMemoryQueue(2)
		require.NoError(t, q.Publish(ctx, descriptor("t1", types.ValidationQueue)))

		for attempt := range 3 {
			task, err := q.Claim(ctx, types.ValidationQueue)
			require.NoError(t, err)
			assert.Equal(t, attempt, task.Attempt())
			require.NoError(t, task.Nack())
		}
		assert.Equal(t, 0, q.Depth(types.ValidationQueue))
	})

	t.Run("SettleOnce", func(t *testing.T) {
		q := NewInMemoryQueue(5)
		require.NoError(t, q.Publish(ctx, descriptor("t1", types.ValidationQueue)))

		task, err := q.Claim(ctx, types.ValidationQueue)
		require.NoError(t, err)
		require.NoError(t, task.Nack())
		require.NoError(t, task.Nack())
		assert.Equal(t, 1, q.Depth(types.ValidationQueue))
	})

	t.Run("RejectDrops", func(t *testing.T) {
		q := NewInMemoryQueue(5)
		require.NoError(t, q.Publish(ctx, descriptor("t1", types.ValidationQueue)))

		task, err := q.Claim(ctx, types.ValidationQueue)
		require.NoError(t, err)
		require.NoError(t, task.Reject())
		assert.Equal(t, 0, q.Depth(types.ValidationQueue))
	})
}

func TestInMemoryQueuePublishErrors(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	assert.Error(t, q.Publish(ctx, descriptor("t1", "unknown_queue")))

	q.Close()
	err := q.Publish(ctx, descriptor("t1", types.ValidationQueue))
	assert.ErrorIs(t, err, types.ErrBrokerUnavailable)

	_, err = q.Claim(ctx, types.ValidationQueue)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestInMemoryReceiver(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	receiver := q.Receiver([]string{types.AnalysisQueue})
	require.NoError(t, q.Publish(ctx, descriptor("skip", types.ValidationQueue)))
	require.NoError(t, q.Publish(ctx, descriptor("a1", types.AnalysisQueue)))

	select {
	case task := <-receiver.Tasks():
		desc, err := task.Descriptor()
		require.NoError(t, err)
		assert.Equal(t, "a1", desc.TaskId)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for task")
	}

	receiver.Close()
	for range receiver.Tasks() {
	}
	receiver.Shutdown()
	assert.Equal(t, 1, q.Depth(types.ValidationQueue))
}
