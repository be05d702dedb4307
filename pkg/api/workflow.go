package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]AwaitingActivity{})
}

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	// StatusIdle means no pass is running; the instance waits for a resume.
	StatusIdle Status = "IDLE"
	// StatusExecuting means a pass is running (or a process died during one).
	StatusExecuting Status = "EXECUTING"
	StatusFaulted   Status = "FAULTED"
	StatusFinished  Status = "FINISHED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further pass can run for an instance in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFaulted, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// StepFunc is a plain unit of work used by Task activities built with
// activities.Step. It receives the instance input.
type StepFunc func(ctx context.Context, input any) (any, error)

// AwaitingActivity is a suspended activity waiting for an external signal.
type AwaitingActivity struct {
	InstanceID     string
	ActivityID     string
	CorrelationKey string
	CreatedAt      time.Time
}

// WorkflowInstance is the persisted runtime state of one execution.
type WorkflowInstance struct {
	ID     string
	Name   string
	Status Status

	// Input is the value the instance was started with.
	Input any

	// Outputs holds per-activity outputs keyed by activity id.
	Outputs map[string]any

	// ActivityStates holds per-activity private state keyed by activity
	// id. Values are replaced on update and never mutated in place, which
	// keeps Clone cheap.
	ActivityStates map[string]any

	// Awaiting lists the suspended activities of this instance.
	Awaiting []AwaitingActivity

	// Err and FaultedActivity describe the fault of a FAULTED instance.
	Err             error
	FaultedActivity string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of the instance whose maps and slices can be
// modified without affecting the original.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	if i == nil {
		return nil
	}
	c := *i
	c.Outputs = cloneMap(i.Outputs)
	c.ActivityStates = cloneMap(i.ActivityStates)
	if i.Awaiting != nil {
		c.Awaiting = append([]AwaitingActivity(nil), i.Awaiting...)
	}
	return &c
}

// FindAwaiting returns the awaiting entry for activityID and correlationKey.
func (i *WorkflowInstance) FindAwaiting(activityID, correlationKey string) (AwaitingActivity, bool) {
	for _, a := range i.Awaiting {
		if a.ActivityID == activityID && a.CorrelationKey == correlationKey {
			return a, true
		}
	}
	return AwaitingActivity{}, false
}

// AwaitsKey reports whether any activity of the instance waits on correlationKey.
func (i *WorkflowInstance) AwaitsKey(correlationKey string) bool {
	for _, a := range i.Awaiting {
		if a.CorrelationKey == correlationKey {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}
