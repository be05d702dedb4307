package api

import "time"

// ExecutionContext is the handle an activity receives during one execution
// pass. It exposes the mutable instance state and read-only graph lookups.
// It is not safe for concurrent use; a pass runs its activities one at a
// time.
type ExecutionContext struct {
	instance *WorkflowInstance
	graph    *Graph
	input    any
	current  ActivityRecord
	now      func() time.Time
}

// NewExecutionContext opens a context over inst for one pass. input is the
// value that triggered the pass: the start input or the resume payload.
func NewExecutionContext(inst *WorkflowInstance, g *Graph, input any) *ExecutionContext {
	return &ExecutionContext{
		instance: inst,
		graph:    g,
		input:    input,
		now:      time.Now,
	}
}

// Instance returns the instance bound to this pass.
func (c *ExecutionContext) Instance() *WorkflowInstance { return c.instance }

// Graph returns the graph of the instance's definition.
func (c *ExecutionContext) Graph() *Graph { return c.graph }

// Input returns the value that triggered this pass.
func (c *ExecutionContext) Input() any { return c.input }

// Current returns the activity being executed.
func (c *ExecutionContext) Current() ActivityRecord { return c.current }

// SetCurrent is called by the scheduler before invoking an activity.
func (c *ExecutionContext) SetCurrent(rec ActivityRecord) { c.current = rec }

// PrivateState returns the private state of activityID, or nil.
func (c *ExecutionContext) PrivateState(activityID string) any {
	return c.instance.ActivityStates[activityID]
}

// SetPrivateState replaces the private state of activityID.
func (c *ExecutionContext) SetPrivateState(activityID string, v any) {
	if c.instance.ActivityStates == nil {
		c.instance.ActivityStates = make(map[string]any)
	}
	c.instance.ActivityStates[activityID] = v
}

// Output returns the recorded output of activityID, or nil.
func (c *ExecutionContext) Output(activityID string) any {
	return c.instance.Outputs[activityID]
}

// SetOutput records the output of activityID.
func (c *ExecutionContext) SetOutput(activityID string, v any) {
	if c.instance.Outputs == nil {
		c.instance.Outputs = make(map[string]any)
	}
	c.instance.Outputs[activityID] = v
}

// RegisterAwaiting suspends activityID until a resume with correlationKey
// arrives. Registering the same pair twice keeps a single entry.
func (c *ExecutionContext) RegisterAwaiting(activityID, correlationKey string) {
	if _, ok := c.instance.FindAwaiting(activityID, correlationKey); ok {
		return
	}
	c.instance.Awaiting = append(c.instance.Awaiting, AwaitingActivity{
		InstanceID:     c.instance.ID,
		ActivityID:     activityID,
		CorrelationKey: correlationKey,
		CreatedAt:      c.now(),
	})
}

// ListAwaiting returns the awaiting entries matching pred. A nil pred
// matches every entry. The result is a copy.
func (c *ExecutionContext) ListAwaiting(pred func(AwaitingActivity) bool) []AwaitingActivity {
	var out []AwaitingActivity
	for _, a := range c.instance.Awaiting {
		if pred == nil || pred(a) {
			out = append(out, a)
		}
	}
	return out
}

// RemoveAwaiting removes the given entries from the registry and returns
// how many were removed.
func (c *ExecutionContext) RemoveAwaiting(entries []AwaitingActivity) int {
	if len(entries) == 0 {
		return 0
	}
	drop := make(map[[2]string]bool, len(entries))
	for _, e := range entries {
		drop[[2]string{e.ActivityID, e.CorrelationKey}] = true
	}

	kept := c.instance.Awaiting[:0:0]
	removed := 0
	for _, a := range c.instance.Awaiting {
		if drop[[2]string{a.ActivityID, a.CorrelationKey}] {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	c.instance.Awaiting = kept
	return removed
}

// ClearAwaiting removes every awaiting entry of activityID.
func (c *ExecutionContext) ClearAwaiting(activityID string) int {
	return c.RemoveAwaiting(c.ListAwaiting(func(a AwaitingActivity) bool {
		return a.ActivityID == activityID
	}))
}

// Activity looks up an activity of the instance's definition.
func (c *ExecutionContext) Activity(id string) (ActivityRecord, bool) {
	return c.graph.Activity(id)
}

// InboundTransitions returns the transitions entering activityID.
func (c *ExecutionContext) InboundTransitions(activityID string) []TransitionRecord {
	return c.graph.Inbound(activityID)
}

// OutboundTransitions returns the transitions leaving activityID.
func (c *ExecutionContext) OutboundTransitions(activityID string) []TransitionRecord {
	return c.graph.Outbound(activityID)
}

// AncestorPath returns the inbound ancestor path of activityID.
func (c *ExecutionContext) AncestorPath(activityID string) ActivitySet {
	return c.graph.InboundAncestorPath(activityID)
}
