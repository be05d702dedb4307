package taskqueue

import (
	"context"
	"encoding/gob"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testPayload is a struct payload used by the queue tests.
type testPayload struct {
	A string
	B int
}

func init() {
	gob.Register(map[string]any{})
	gob.Register(testPayload{})
}

// testQueue runs the behavior every Queue implementation must share.
// newQueue must return an empty queue.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for _, name := range []string{"wf1", "wf2", "wf3"} {
			require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: name}))
			time.Sleep(time.Millisecond)
		}
		require.Equal(t, 3, q.Len())

		var got []string
		for range 3 {
			task, err := q.Dequeue(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.NotEmpty(t, task.ID)
			require.False(t, task.EnqueuedAt.IsZero())
			got = append(got, task.WorkflowName)
			require.NoError(t, q.Ack(ctx, task.ID, "w1"))
		}
		require.Equal(t, []string{"wf1", "wf2", "wf3"}, got)
		require.Equal(t, 0, q.Len())
	})

	t.Run("PayloadAndFields", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		in := Task{
			ID:             "resume-1",
			Type:           TaskTypeResume,
			InstanceID:     "inst-1",
			ActivityID:     "approve",
			CorrelationKey: "inst-1:approve",
			Payload:        testPayload{A: "yes", B: 2},
		}
		require.NoError(t, q.Enqueue(ctx, in))

		got, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		require.Equal(t, in.ID, got.ID)
		require.Equal(t, in.Type, got.Type)
		require.Equal(t, in.InstanceID, got.InstanceID)
		require.Equal(t, in.ActivityID, got.ActivityID)
		require.Equal(t, in.CorrelationKey, got.CorrelationKey)
		require.Equal(t, in.Payload, got.Payload)
		require.Equal(t, 0, got.Attempts)
	})

	t.Run("DequeueBlocksUntilTaskArrives", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		got := make(chan *Task, 1)
		go func() {
			task, err := q.Dequeue(ctx, "w1", time.Second)
			if err != nil {
				got <- nil
				return
			}
			got <- task
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeSignal, CorrelationKey: "k"}))

		select {
		case task := <-got:
			require.NotNil(t, task)
			require.Equal(t, "k", task.CorrelationKey)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dequeued task")
		}
	})

	t.Run("DequeueHonorsContextCancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx, "w1", time.Second)
		require.Error(t, err)
		require.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
	})

	t.Run("ScheduledTaskNotDequeuedBeforeNotBefore", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		delay := 150 * time.Millisecond
		at := time.Now().Add(delay)

		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: "later", NotBefore: at}))

		early, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(early, "w1", time.Second)
		require.Error(t, err, "scheduled task must not be visible yet")

		task, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)
		require.Equal(t, "later", task.WorkflowName)
		require.False(t, time.Now().Before(at), "dequeued before NotBefore")
	})

	t.Run("VisibilityTimeoutRedelivers", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: "wf"}))

		first, err := q.Dequeue(ctx, "w1", 30*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(60 * time.Millisecond)

		second, err := q.Dequeue(ctx, "w2", time.Second)
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)

		require.ErrorIs(t, q.Ack(ctx, first.ID, "w1"), ErrTaskNotLeased)
		require.NoError(t, q.Ack(ctx, second.ID, "w2"))
		require.Equal(t, 0, q.Len())
	})

	t.Run("RenewLeaseKeepsTaskHidden", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: "wf"}))

		task, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(25 * time.Millisecond)
		require.NoError(t, q.RenewLease(ctx, task.ID, "w1", 300*time.Millisecond))
		time.Sleep(50 * time.Millisecond)

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = q.Dequeue(short, "w2", time.Second)
		require.Error(t, err, "renewed task must stay hidden")

		require.NoError(t, q.Ack(ctx, task.ID, "w1"))
	})

	t.Run("NackReschedules", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeCancel, InstanceID: "inst-1"}))

		task, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		retryAt := time.Now().Add(80 * time.Millisecond)
		require.NoError(t, q.Nack(ctx, task.ID, "w1", retryAt, 1))
		require.Equal(t, 1, q.Len())

		again, err := q.Dequeue(ctx, "w2", time.Second)
		require.NoError(t, err)
		require.Equal(t, task.ID, again.ID)
		require.Equal(t, 1, again.Attempts)
		require.False(t, time.Now().Before(retryAt), "redelivered before the nack delay")
		require.Equal(t, "inst-1", again.InstanceID)
	})

	t.Run("WrongOwnerIsRejected", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: "wf"}))

		task, err := q.Dequeue(ctx, "w1", time.Second)
		require.NoError(t, err)

		require.ErrorIs(t, q.Ack(ctx, task.ID, "w2"), ErrTaskNotLeased)
		require.ErrorIs(t, q.RenewLease(ctx, task.ID, "w2", time.Second), ErrTaskNotLeased)
		require.ErrorIs(t, q.Nack(ctx, task.ID, "w2", time.Now(), 1), ErrTaskNotLeased)
		require.ErrorIs(t, q.Ack(ctx, "missing", "w1"), ErrTaskNotLeased)
		require.NoError(t, q.Ack(ctx, task.ID, "w1"))
	})

	t.Run("ConcurrentDequeueNoDuplicates", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeStart, WorkflowName: "wf"}))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			count int
		)
		for i := range 4 {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				task, err := q.Dequeue(ctx, owner, time.Second)
				if err == nil && task != nil {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		if count != 1 {
			t.Fatalf("expected exactly one task dequeued, got %d", count)
		}
	})
}
