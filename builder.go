package flowgraph

import (
	"fmt"

	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflow graphs:
//
//	flow := flowgraph.New("expense").
//	    Fork("submit", "manager", "timeout").
//	    WaitForSignal("manager", "").
//	    WaitForSignal("timeout", "expense-timeout").
//	    Join("decide", flowgraph.WaitAny).
//	    Step("record", recordDecision).
//	    Finish("end").
//	    On("submit", "manager", "manager").
//	    On("submit", "timeout", "timeout").
//	    Then("manager", "decide").
//	    Then("timeout", "decide").
//	    On("decide", flowgraph.OutcomeJoined, "record").
//	    Then("record", "end")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Activities marked with StartAt are the entry points. When none is marked,
// the first activity added is the start activity.
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:        name,
			Activities:  make([]api.ActivityRecord, 0),
			Transitions: make([]api.TransitionRecord, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := api.WorkflowDefinition{
		Name:        b.def.Name,
		Activities:  append([]api.ActivityRecord(nil), b.def.Activities...),
		Transitions: append([]api.TransitionRecord(nil), b.def.Transitions...),
	}
	hasStart := false
	for _, a := range def.Activities {
		hasStart = hasStart || a.Start
	}
	if !hasStart && len(def.Activities) > 0 {
		def.Activities[0].Start = true
	}
	return def
}

// Activity appends an activity.
func (b *FlowBuilder) Activity(id string, act Activity) *FlowBuilder {
	if id == "" {
		panic("flowgraph: activity id must not be empty")
	}
	if act == nil {
		panic(fmt.Sprintf("flowgraph: activity %q is nil", id))
	}
	b.def.Activities = append(b.def.Activities, api.ActivityRecord{ID: id, Activity: act})
	return b
}

// StartAt marks an already added activity as a start activity.
func (b *FlowBuilder) StartAt(id string) *FlowBuilder {
	for i := range b.def.Activities {
		if b.def.Activities[i].ID == id {
			b.def.Activities[i].Start = true
			return b
		}
	}
	panic(fmt.Sprintf("flowgraph: start activity %q not added", id))
}

// Step appends a Task that runs fn on the instance input and records its
// result as the activity output.
func (b *FlowBuilder) Step(id string, fn StepFunc) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowgraph: step %q has nil function", id))
	}
	return b.Activity(id, activities.Step(fn))
}

// StepWithRetry appends a Step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(id string, fn StepFunc, retry RetryPolicy) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowgraph: step %q has nil function", id))
	}
	return b.Activity(id, activities.Step(fn).WithRetry(retry))
}

// Task appends a Task running fn, which may return any of outcomes.
func (b *FlowBuilder) Task(id string, fn TaskFunc, outcomes ...string) *FlowBuilder {
	if fn == nil {
		panic(fmt.Sprintf("flowgraph: task %q has nil function", id))
	}
	return b.Activity(id, activities.NewTask(fn, outcomes...))
}

// WaitForSignal appends a Signal activity awaiting correlationKey. An
// empty key is unique per instance and activity.
func (b *FlowBuilder) WaitForSignal(id, correlationKey string) *FlowBuilder {
	return b.Activity(id, activities.NewSignal(correlationKey))
}

// Fork appends an activity completing with every branch outcome.
func (b *FlowBuilder) Fork(id string, branches ...string) *FlowBuilder {
	return b.Activity(id, activities.NewFork(branches...))
}

// Join appends a join barrier.
func (b *FlowBuilder) Join(id string, mode JoinMode) *FlowBuilder {
	return b.Activity(id, activities.NewJoin(mode))
}

// Finish appends an activity that ends its branch.
func (b *FlowBuilder) Finish(id string) *FlowBuilder {
	return b.Activity(id, activities.NewFinish())
}

// On adds a transition from src to dst taken when src completes with outcome.
func (b *FlowBuilder) On(src, outcome, dst string) *FlowBuilder {
	b.def.Transitions = append(b.def.Transitions, api.TransitionRecord{
		SourceActivityID:      src,
		SourceOutcome:         outcome,
		DestinationActivityID: dst,
	})
	return b
}

// Then adds a transition from src to dst on OutcomeDone.
func (b *FlowBuilder) Then(src, dst string) *FlowBuilder {
	return b.On(src, OutcomeDone, dst)
}

// Chain connects ids in order on OutcomeDone.
func (b *FlowBuilder) Chain(ids ...string) *FlowBuilder {
	for i := 1; i < len(ids); i++ {
		b.Then(ids[i-1], ids[i])
	}
	return b
}

// Validate checks the graph without registering it.
func (b *FlowBuilder) Validate() error {
	_, err := api.NewGraph(b.Definition())
	return err
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
