package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/api"
)

func TestWorker_LockedInstanceIsRescheduledWithBackoff(t *testing.T) {
	ctx := context.Background()
	eng := &scriptedEngine{errs: []error{
		fmt.Errorf("resume: %w", api.ErrWorkflowInstanceLocked),
	}}
	q := &countingQueue{inner: taskqueue.NewInMemoryQueue()}
	backoff := 60 * time.Millisecond
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, Backoff: backoff})

	_, err := w.EnqueueResume(ctx, "inst-1", "approve", "k", nil)
	require.NoError(t, err)

	start := time.Now()
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.EqualValues(t, 1, q.nacks.Load())
	require.Equal(t, 1, q.Len(), "locked task must stay queued")

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.GreaterOrEqual(t, time.Since(start), backoff, "redelivered before the backoff elapsed")
	require.Equal(t, 2, eng.callCount())
	require.Equal(t, 0, q.Len())
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	locked := api.ErrWorkflowInstanceLocked
	eng := &scriptedEngine{errs: []error{locked, locked, locked, locked}}
	q := &countingQueue{inner: taskqueue.NewInMemoryQueue()}
	w := NewWithConfig(eng, q, Config{MaxAttempts: 3, Backoff: time.Millisecond})

	_, err := w.EnqueueCancel(ctx, "inst-1")
	require.NoError(t, err)

	var lastErr error
	for range 3 {
		processed, err := w.ProcessOne(ctx)
		require.True(t, processed)
		lastErr = err
	}

	require.Error(t, lastErr)
	require.True(t, errors.Is(lastErr, api.ErrWorkflowInstanceLocked))
	require.Contains(t, lastErr.Error(), "giving up after 3 attempts")
	require.EqualValues(t, 2, q.nacks.Load())
	require.Equal(t, 3, eng.callCount())
	require.Equal(t, 0, q.Len())
}

func TestWorker_FaultIsAcknowledgedNotRetried(t *testing.T) {
	ctx := context.Background()
	fault := &api.ActivityFaultError{ActivityID: "charge", Err: errors.New("card declined")}
	eng := &scriptedEngine{errs: []error{fault}}
	q := &countingQueue{inner: taskqueue.NewInMemoryQueue()}
	w := NewWithConfig(eng, q, Config{MaxAttempts: 5})

	_, err := w.EnqueueStart(ctx, "checkout", nil)
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	require.True(t, processed)
	var fe *api.ActivityFaultError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "charge", fe.ActivityID)
	require.EqualValues(t, 0, q.nacks.Load())
	require.Equal(t, 0, q.Len())
}

func TestWorker_BackoffDoublesAndCaps(t *testing.T) {
	w := NewWithConfig(&scriptedEngine{}, taskqueue.NewInMemoryQueue(), Config{
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})

	want := []time.Duration{10, 20, 40, 50, 50}
	for i, ms := range want {
		if got := w.backoff(i + 1); got != ms*time.Millisecond {
			t.Fatalf("backoff(%d): expected %v, got %v", i+1, ms*time.Millisecond, got)
		}
	}
}

func TestWorker_SignalAtIsDelayed(t *testing.T) {
	ctx := context.Background()
	eng := &scriptedEngine{}
	w := New(eng, taskqueue.NewInMemoryQueue())

	delay := 80 * time.Millisecond
	at := time.Now().Add(delay)
	_, err := w.EnqueueSignalAt(ctx, "timeout:inst-1", "expired", at)
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.False(t, time.Now().Before(at), "signal delivered before its schedule")
	require.Equal(t, []string{"signal:timeout:inst-1"}, eng.calls)
}
