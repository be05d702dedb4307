package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	g, err := NewGraph(WorkflowDefinition{
		Name:        "ctx",
		Activities:  []ActivityRecord{node("a", true), node("b", false)},
		Transitions: []TransitionRecord{tr("a", "Done", "b")},
	})
	require.NoError(t, err)
	return NewExecutionContext(&WorkflowInstance{ID: "inst-1", Name: "ctx"}, g, "payload")
}

func TestExecutionContext_RegisterAwaitingIsIdempotent(t *testing.T) {
	ec := newTestContext(t)

	ec.RegisterAwaiting("a", "k1")
	ec.RegisterAwaiting("a", "k1")
	ec.RegisterAwaiting("a", "k2")

	require.Len(t, ec.Instance().Awaiting, 2)
	got, ok := ec.Instance().FindAwaiting("a", "k1")
	require.True(t, ok)
	require.Equal(t, "inst-1", got.InstanceID)
	require.False(t, got.CreatedAt.IsZero())
	require.True(t, ec.Instance().AwaitsKey("k2"))
}

func TestExecutionContext_RemoveAndClearAwaiting(t *testing.T) {
	ec := newTestContext(t)
	ec.RegisterAwaiting("a", "k1")
	ec.RegisterAwaiting("a", "k2")
	ec.RegisterAwaiting("b", "k3")

	before := ec.Instance().Clone()

	removed := ec.RemoveAwaiting(ec.ListAwaiting(func(a AwaitingActivity) bool {
		return a.CorrelationKey == "k3"
	}))
	require.Equal(t, 1, removed)
	require.Equal(t, 0, ec.RemoveAwaiting(nil))

	require.Equal(t, 2, ec.ClearAwaiting("a"))
	require.Empty(t, ec.ListAwaiting(nil))

	// Removal never aliases the slice of an earlier clone.
	require.Len(t, before.Awaiting, 3)
}

func TestExecutionContext_StateAndOutputs(t *testing.T) {
	ec := newTestContext(t)

	require.Nil(t, ec.PrivateState("a"))
	ec.SetPrivateState("a", 42)
	ec.SetOutput("b", "out")

	require.Equal(t, 42, ec.PrivateState("a"))
	require.Equal(t, "out", ec.Output("b"))
	require.Equal(t, "payload", ec.Input())

	rec, ok := ec.Activity("b")
	require.True(t, ok)
	ec.SetCurrent(rec)
	require.Equal(t, "b", ec.Current().ID)
	require.Len(t, ec.InboundTransitions("b"), 1)
	require.Len(t, ec.OutboundTransitions("a"), 1)
	require.True(t, ec.AncestorPath("b").Has("a"))
}

func TestWorkflowInstance_CloneIsIndependent(t *testing.T) {
	inst := &WorkflowInstance{
		ID:             "i",
		Outputs:        map[string]any{"a": 1},
		ActivityStates: map[string]any{"j": "s"},
		Awaiting:       []AwaitingActivity{{ActivityID: "a", CorrelationKey: "k"}},
	}
	c := inst.Clone()
	c.Outputs["a"] = 2
	c.ActivityStates["x"] = 1
	c.Awaiting[0].CorrelationKey = "changed"

	require.Equal(t, 1, inst.Outputs["a"])
	require.NotContains(t, inst.ActivityStates, "x")
	require.Equal(t, "k", inst.Awaiting[0].CorrelationKey)
	require.Nil(t, (*WorkflowInstance)(nil).Clone())
}

func TestStatus_Terminal(t *testing.T) {
	require.False(t, StatusIdle.Terminal())
	require.False(t, StatusExecuting.Terminal())
	require.True(t, StatusFaulted.Terminal())
	require.True(t, StatusFinished.Terminal())
	require.True(t, StatusCancelled.Terminal())
}
