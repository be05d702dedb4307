package persistence

import (
	"context"
	"encoding/gob"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgraph/pkg/api"
)

type storeSamplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(storeSamplePayload{})
}

var contractEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleInstance(id, workflow string, status api.Status, offset time.Duration) *api.WorkflowInstance {
	created := contractEpoch.Add(offset)
	return &api.WorkflowInstance{
		ID:     id,
		Name:   workflow,
		Status: status,
		Input:  storeSamplePayload{Msg: "hello", N: 42},
		Outputs: map[string]any{
			"fetch": "fetched",
		},
		ActivityStates: map[string]any{
			"join": storeSamplePayload{Msg: "state", N: 2},
		},
		Awaiting: []api.AwaitingActivity{
			{InstanceID: id, ActivityID: "approve", CorrelationKey: "k-" + id, CreatedAt: created},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// testInstanceStore runs the behaviour every InstanceStore must share.
// newStore must return an empty store.
func testInstanceStore(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	ctx := context.Background()

	t.Run("SaveGetUpdate", func(t *testing.T) {
		store := newStore(t)
		inst := sampleInstance("i-1", "wf", api.StatusExecuting, 0)
		require.NoError(t, store.SaveInstance(ctx, inst))

		got, err := store.GetInstance(ctx, "i-1")
		require.NoError(t, err)
		require.Equal(t, "wf", got.Name)
		require.Equal(t, api.StatusExecuting, got.Status)
		require.Equal(t, storeSamplePayload{Msg: "hello", N: 42}, got.Input)
		require.Equal(t, "fetched", got.Outputs["fetch"])
		require.Equal(t, storeSamplePayload{Msg: "state", N: 2}, got.ActivityStates["join"])
		require.Len(t, got.Awaiting, 1)
		require.Equal(t, "k-i-1", got.Awaiting[0].CorrelationKey)
		require.WithinDuration(t, inst.CreatedAt, got.CreatedAt, time.Millisecond)

		got.Status = api.StatusFaulted
		got.Awaiting = nil
		got.Err = errors.New("boom")
		got.FaultedActivity = "fetch"
		got.UpdatedAt = got.UpdatedAt.Add(time.Second)
		require.NoError(t, store.UpdateInstance(ctx, got))

		again, err := store.GetInstance(ctx, "i-1")
		require.NoError(t, err)
		require.Equal(t, api.StatusFaulted, again.Status)
		require.Empty(t, again.Awaiting)
		require.EqualError(t, again.Err, "boom")
		require.Equal(t, "fetch", again.FaultedActivity)
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetInstance(ctx, "missing")
		require.ErrorIs(t, err, ErrInstanceNotFound)

		err = store.UpdateInstance(ctx, &api.WorkflowInstance{ID: "missing", Name: "wf", Status: api.StatusIdle})
		require.ErrorIs(t, err, ErrInstanceNotFound)

		_, err = store.TryAcquireLease(ctx, "missing", "owner", time.Second)
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ListFilters", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("a", "wf1", api.StatusIdle, 0)))
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("b", "wf1", api.StatusFinished, time.Second)))
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("c", "wf2", api.StatusIdle, 2*time.Second)))

		all, err := store.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids(all))

		wf1, err := store.ListInstances(ctx, InstanceFilter{WorkflowName: "wf1"})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, ids(wf1))

		idle, err := store.ListInstances(ctx, InstanceFilter{Status: api.StatusIdle})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c"}, ids(idle))

		// The status index must follow updates.
		b, err := store.GetInstance(ctx, "b")
		require.NoError(t, err)
		b.Status = api.StatusIdle
		require.NoError(t, store.UpdateInstance(ctx, b))

		both, err := store.ListInstances(ctx, InstanceFilter{WorkflowName: "wf1", Status: api.StatusIdle})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, ids(both))

		finished, err := store.ListInstances(ctx, InstanceFilter{Status: api.StatusFinished})
		require.NoError(t, err)
		require.Empty(t, finished)
	})

	t.Run("LeaseAcquireRenewRelease", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("i1", "wf", api.StatusIdle, 0)))

		acq, err := store.TryAcquireLease(ctx, "i1", "owner1", time.Minute)
		require.NoError(t, err)
		require.True(t, acq, "expected owner1 to acquire")

		again, err := store.TryAcquireLease(ctx, "i1", "owner1", time.Minute)
		require.NoError(t, err)
		require.True(t, again, "expected lease to be re-entrant for owner1")

		acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
		require.NoError(t, err)
		require.False(t, acq2, "expected owner2 not to acquire while active")

		require.NoError(t, store.RenewLease(ctx, "i1", "owner1", time.Minute))
		require.Error(t, store.RenewLease(ctx, "i1", "owner2", time.Minute))

		require.NoError(t, store.ReleaseLease(ctx, "i1", "owner1"))
		require.NoError(t, store.ReleaseLease(ctx, "i1", "owner1"), "release must be idempotent")

		acq3, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
		require.NoError(t, err)
		require.True(t, acq3, "expected owner2 to acquire after release")
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("i1", "wf", api.StatusIdle, 0)))

		acq, err := store.TryAcquireLease(ctx, "i1", "owner1", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, acq)

		require.Eventually(t, func() bool {
			ok, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
			return err == nil && ok
		}, 2*time.Second, 20*time.Millisecond, "expected owner2 to acquire after expiry")
	})

	t.Run("UpdateKeepsLease", func(t *testing.T) {
		store := newStore(t)
		inst := sampleInstance("i1", "wf", api.StatusIdle, 0)
		require.NoError(t, store.SaveInstance(ctx, inst))

		acq, err := store.TryAcquireLease(ctx, "i1", "owner1", time.Minute)
		require.NoError(t, err)
		require.True(t, acq)

		inst.Status = api.StatusExecuting
		require.NoError(t, store.UpdateInstance(ctx, inst))

		acq2, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
		require.NoError(t, err)
		require.False(t, acq2, "a checkpoint must not drop the lease")
	})

	t.Run("SaveLeasedInstanceHoldsLease", func(t *testing.T) {
		store := newStore(t)
		inst := sampleInstance("i1", "wf", api.StatusExecuting, 0)
		require.NoError(t, store.SaveLeasedInstance(ctx, inst, "owner1", time.Minute))

		acq, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
		require.NoError(t, err)
		require.False(t, acq, "a leased insert must exclude other owners")

		inst.Status = api.StatusIdle
		require.NoError(t, store.CheckpointInstance(ctx, inst, "owner1"))

		got, err := store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		require.Equal(t, api.StatusIdle, got.Status)
	})

	t.Run("CheckpointFencedOnOwner", func(t *testing.T) {
		store := newStore(t)
		inst := sampleInstance("i1", "wf", api.StatusIdle, 0)
		require.NoError(t, store.SaveInstance(ctx, inst))

		inst.Status = api.StatusFinished
		require.ErrorIs(t, store.CheckpointInstance(ctx, inst, "owner1"), ErrLeaseNotHeld,
			"no lease at all")

		acq, err := store.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
		require.NoError(t, err)
		require.True(t, acq)
		require.ErrorIs(t, store.CheckpointInstance(ctx, inst, "owner1"), ErrLeaseNotHeld,
			"lease held by another owner")

		got, err := store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		require.Equal(t, api.StatusIdle, got.Status, "a rejected checkpoint must not write")

		err = store.CheckpointInstance(ctx, &api.WorkflowInstance{ID: "missing", Name: "wf", Status: api.StatusIdle}, "owner1")
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("CheckpointRejectedAfterExpiry", func(t *testing.T) {
		store := newStore(t)
		inst := sampleInstance("i1", "wf", api.StatusExecuting, 0)
		require.NoError(t, store.SaveLeasedInstance(ctx, inst, "owner1", 50*time.Millisecond))

		require.Eventually(t, func() bool {
			return errors.Is(store.CheckpointInstance(ctx, inst, "owner1"), ErrLeaseNotHeld)
		}, 2*time.Second, 20*time.Millisecond, "expected the checkpoint to be rejected once the lease expired")
	})

	t.Run("LeaseConcurrentAcquireOnlyOne", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, sampleInstance("i1", "wf", api.StatusIdle, 0)))

		const workers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				ok, err := store.TryAcquireLease(ctx, "i1", "owner-"+string(rune('a'+n)), time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load())
	})
}

func ids(list []*api.WorkflowInstance) []string {
	out := make([]string, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.ID)
	}
	return out
}
