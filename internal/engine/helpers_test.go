package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
)

func start(id string, a api.Activity) api.ActivityRecord {
	return api.ActivityRecord{ID: id, Start: true, Activity: a}
}

func node(id string, a api.Activity) api.ActivityRecord {
	return api.ActivityRecord{ID: id, Activity: a}
}

func edge(src, outcome, dst string) api.TransitionRecord {
	return api.TransitionRecord{SourceActivityID: src, SourceOutcome: outcome, DestinationActivityID: dst}
}

// trace records activity executions in order.
type trace struct {
	mu  sync.Mutex
	ids []string
}

func (tr *trace) task(outcomes ...string) *activities.Task {
	return activities.NewTask(func(ctx context.Context, ec *api.ExecutionContext) (string, error) {
		tr.mu.Lock()
		tr.ids = append(tr.ids, ec.Current().ID)
		tr.mu.Unlock()
		return "", nil
	}, outcomes...)
}

func (tr *trace) count(id string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, v := range tr.ids {
		if v == id {
			n++
		}
	}
	return n
}

// newMemEngine returns an engine and the store behind it.
func newMemEngine(t *testing.T, cfg Config) (api.Engine, *persistence.InMemoryStore) {
	t.Helper()
	mem := persistence.NewInMemoryStore()
	cfg.Persistence = persistence.Persistence{
		Workflows: mem,
		Instances: mem,
		Events:    persistence.NewInMemoryEventStore(),
	}
	return NewEngineWithConfig(cfg), mem
}

func mustRegister(t *testing.T, eng api.Engine, def api.WorkflowDefinition) {
	t.Helper()
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow(%s) failed: %v", def.Name, err)
	}
}

func mustStart(t *testing.T, eng api.Engine, name string, input any) *api.RunResult {
	t.Helper()
	res, err := eng.Start(context.Background(), name, input)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", name, err)
	}
	return res
}

func mustResume(t *testing.T, eng api.Engine, instanceID, activityID string, input any) *api.RunResult {
	t.Helper()
	res, err := eng.Resume(context.Background(), instanceID, activityID, signalKey(instanceID, activityID), input)
	if err != nil {
		t.Fatalf("Resume(%s) failed: %v", activityID, err)
	}
	return res
}

// signalKey is the default correlation key of a Signal activity.
func signalKey(instanceID, activityID string) string {
	return instanceID + ":" + activityID
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// parallelApproval is Start -> [branch1, branch2] -> join -> end, where both
// branches wait for a signal.
func parallelApproval(name string, mode activities.JoinMode) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: name,
		Activities: []api.ActivityRecord{
			start("start", activities.NewFork("left", "right")),
			node("branch1", activities.NewSignal("")),
			node("branch2", activities.NewSignal("")),
			node("join", activities.NewJoin(mode)),
			node("end", activities.NewFinish()),
		},
		Transitions: []api.TransitionRecord{
			edge("start", "left", "branch1"),
			edge("start", "right", "branch2"),
			edge("branch1", activities.OutcomeDone, "join"),
			edge("branch2", activities.OutcomeDone, "join"),
			edge("join", activities.OutcomeJoined, "end"),
		},
	}
}
