package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
)

func TestRegisterWorkflow_Validation(t *testing.T) {
	engine := NewInMemoryEngine()

	err := engine.RegisterWorkflow(api.WorkflowDefinition{Name: "empty"})
	if !errors.Is(err, api.ErrGraphInconsistency) {
		t.Fatalf("expected ErrGraphInconsistency, got %v", err)
	}

	bad := parallelApproval("bad-outcome", activities.WaitAll)
	bad.Transitions = append(bad.Transitions, edge("join", "Maybe", "end"))
	if err := engine.RegisterWorkflow(bad); !errors.Is(err, api.ErrGraphInconsistency) {
		t.Fatalf("expected ErrGraphInconsistency for undeclared outcome, got %v", err)
	}

	mustRegister(t, engine, parallelApproval("dup", activities.WaitAll))
	if err := engine.RegisterWorkflow(parallelApproval("dup", activities.WaitAll)); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestUnknownWorkflowAndInstance(t *testing.T) {
	ctx := context.Background()
	engine := NewInMemoryEngine()

	if _, err := engine.Start(ctx, "nope", nil); !errors.Is(err, api.ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
	if _, err := engine.GetInstance(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, err := engine.Resume(ctx, "missing", "a", "k", nil); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound from Resume, got %v", err)
	}
	if _, err := engine.Cancel(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound from Cancel, got %v", err)
	}
}

func TestResume_LeaseHeldElsewhereIsBusy(t *testing.T) {
	ctx := context.Background()
	engine, store := newMemEngine(t, Config{})
	mustRegister(t, engine, parallelApproval("locked", activities.WaitAll))
	id := mustStart(t, engine, "locked", nil).Instance.ID

	ok, err := store.TryAcquireLease(ctx, id, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = engine.Resume(ctx, id, "branch1", signalKey(id, "branch1"), nil)
	require.ErrorIs(t, err, api.ErrWorkflowInstanceLocked)
	_, err = engine.Cancel(ctx, id)
	require.ErrorIs(t, err, api.ErrWorkflowInstanceLocked)

	// Nothing changed while locked.
	stored, err := engine.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored.Awaiting, 2)

	require.NoError(t, store.ReleaseLease(ctx, id, "other-process"))
	res := mustResume(t, engine, id, "branch1", nil)
	require.Equal(t, api.ResultIdle, res.Code)
}

func TestEngineReleasesLeaseAfterPass(t *testing.T) {
	ctx := context.Background()
	engine, store := newMemEngine(t, Config{})
	mustRegister(t, engine, parallelApproval("released", activities.WaitAll))
	id := mustStart(t, engine, "released", nil).Instance.ID

	ok, err := store.TryAcquireLease(ctx, id, "next-pass", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease must be free once Start returns")
}

func TestCancel_ClearsAwaitingInOneCheckpoint(t *testing.T) {
	ctx := context.Background()
	engine, _ := newMemEngine(t, Config{})
	mustRegister(t, engine, parallelApproval("cancel-me", activities.WaitAll))
	id := mustStart(t, engine, "cancel-me", nil).Instance.ID

	inst, err := engine.Cancel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, inst.Status)
	require.Empty(t, inst.Awaiting)

	stored, err := engine.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, stored.Status)
	require.Empty(t, stored.Awaiting)

	for _, branch := range []string{"branch1", "branch2"} {
		late, err := engine.Resume(ctx, id, branch, signalKey(id, branch), nil)
		require.NoError(t, err)
		require.Equal(t, api.ResultStaleSignal, late.Code, branch)
		require.Equal(t, api.StatusCancelled, late.Instance.Status, branch)
	}

	again, err := engine.Cancel(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.StatusCancelled, again.Status)
}

func TestResume_WrongKeyIsStale(t *testing.T) {
	ctx := context.Background()
	engine, _ := newMemEngine(t, Config{})
	mustRegister(t, engine, parallelApproval("wrong-key", activities.WaitAll))
	id := mustStart(t, engine, "wrong-key", nil).Instance.ID

	res, err := engine.Resume(ctx, id, "branch1", "not-the-key", nil)
	require.NoError(t, err)
	require.Equal(t, api.ResultStaleSignal, res.Code)
	require.Len(t, res.Instance.Awaiting, 2)
}

func TestResume_ExecutingInstanceIsRejected(t *testing.T) {
	ctx := context.Background()
	engine, store := newMemEngine(t, Config{})
	require.NoError(t, store.SaveInstance(ctx, &api.WorkflowInstance{
		ID:     "stuck",
		Name:   "whatever",
		Status: api.StatusExecuting,
	}))

	_, err := engine.Resume(ctx, "stuck", "a", "k", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, api.ErrWorkflowInstanceLocked)
}

func TestSignal_RoutesByCorrelationKey(t *testing.T) {
	ctx := context.Background()
	def := api.WorkflowDefinition{
		Name: "order",
		Activities: []api.ActivityRecord{
			start("wait-payment", activities.NewSignal("payment:42")),
			node("done", activities.NewFinish()),
		},
		Transitions: []api.TransitionRecord{
			edge("wait-payment", activities.OutcomeDone, "done"),
		},
	}
	other := api.WorkflowDefinition{
		Name: "other-order",
		Activities: []api.ActivityRecord{
			start("wait-payment", activities.NewSignal("payment:43")),
		},
	}

	engine, _ := newMemEngine(t, Config{})
	mustRegister(t, engine, def)
	mustRegister(t, engine, other)

	first := mustStart(t, engine, "order", nil).Instance.ID
	second := mustStart(t, engine, "order", nil).Instance.ID
	untouched := mustStart(t, engine, "other-order", nil).Instance.ID

	results, err := engine.Signal(ctx, "payment:42", 100)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.Equal(t, api.ResultFinished, res.Code)
		require.Equal(t, 100, res.Instance.Outputs["wait-payment"])
	}

	for _, id := range []string{first, second} {
		inst, err := engine.GetInstance(ctx, id)
		require.NoError(t, err)
		require.Equal(t, api.StatusFinished, inst.Status)
	}
	inst, err := engine.GetInstance(ctx, untouched)
	require.NoError(t, err)
	require.Equal(t, api.StatusIdle, inst.Status)

	none, err := engine.Signal(ctx, "payment:42", 100)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListInstances_Filters(t *testing.T) {
	ctx := context.Background()
	engine, _ := newMemEngine(t, Config{})
	tr := &trace{}
	mustRegister(t, engine, parallelApproval("waits", activities.WaitAll))
	mustRegister(t, engine, api.WorkflowDefinition{
		Name:       "quick",
		Activities: []api.ActivityRecord{start("only", tr.task())},
	})

	mustStart(t, engine, "waits", nil)
	mustStart(t, engine, "quick", nil)
	mustStart(t, engine, "quick", nil)

	all, err := engine.ListInstances(ctx, api.InstanceListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	quick, err := engine.ListInstances(ctx, api.InstanceListOptions{WorkflowName: "quick"})
	require.NoError(t, err)
	require.Len(t, quick, 2)

	idle, err := engine.ListInstances(ctx, api.InstanceListOptions{Status: api.StatusIdle})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, "waits", idle[0].Name)
}

func TestRecoverStuckInstances(t *testing.T) {
	ctx := context.Background()
	engine, store := newMemEngine(t, Config{})

	require.NoError(t, store.SaveInstance(ctx, &api.WorkflowInstance{ID: "crashed", Name: "wf", Status: api.StatusExecuting}))
	require.NoError(t, store.SaveInstance(ctx, &api.WorkflowInstance{ID: "running", Name: "wf", Status: api.StatusExecuting}))
	require.NoError(t, store.SaveInstance(ctx, &api.WorkflowInstance{ID: "idle", Name: "wf", Status: api.StatusIdle}))

	// "running" is owned by a live pass elsewhere.
	ok, err := store.TryAcquireLease(ctx, "running", "live-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := engine.RecoverStuckInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	crashed, err := engine.GetInstance(ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, api.StatusFaulted, crashed.Status)
	require.ErrorIs(t, crashed.Err, api.ErrPassInterrupted)

	running, err := engine.GetInstance(ctx, "running")
	require.NoError(t, err)
	require.Equal(t, api.StatusExecuting, running.Status)

	again, err := engine.RecoverStuckInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, again)
}

func TestHistoryIsRecorded(t *testing.T) {
	ctx := context.Background()
	engine, _ := newMemEngine(t, Config{})
	mustRegister(t, engine, parallelApproval("history", activities.WaitAny))
	id := mustStart(t, engine, "history", nil).Instance.ID
	mustResume(t, engine, id, "branch1", nil)
	_, err := engine.Resume(ctx, id, "branch2", signalKey(id, "branch2"), nil)
	require.NoError(t, err)

	reader, ok := engine.(api.HistoryReader)
	require.True(t, ok, "engine must implement HistoryReader")

	events, err := reader.ListEvents(ctx, id)
	require.NoError(t, err)

	var types []api.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventActivityCompleted, // start
		api.EventActivityBlocked,   // branch1
		api.EventActivityBlocked,   // branch2
		api.EventWorkflowIdle,
		api.EventWorkflowResumed,
		api.EventActivityCompleted, // branch1
		api.EventActivityCompleted, // join
		api.EventActivityCompleted, // end
		api.EventWorkflowFinished,
		api.EventSignalStale,
	}, types)
	require.Equal(t, "left,right", events[1].Detail)
}
