package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorkflow is returned when no definition is registered under a name.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInstanceNotFound is returned when an instance id does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrWorkflowInstanceLocked is returned when another pass holds the
	// instance lease. Callers should retry with backoff.
	ErrWorkflowInstanceLocked = errors.New("workflow instance locked")

	// ErrPassBudgetExceeded faults an instance whose pass executed more
	// activities than the engine allows, typically a cycle with no
	// blocking activity.
	ErrPassBudgetExceeded = errors.New("activity budget per pass exceeded")

	// ErrPassInterrupted faults an instance found EXECUTING without a live
	// lease, i.e. the process running its pass died.
	ErrPassInterrupted = errors.New("execution pass interrupted")

	// ErrLeaseLost is returned when a pass could not keep its instance
	// lease. Its checkpoint is not written; whoever took the lease owns
	// the instance.
	ErrLeaseLost = errors.New("instance lease lost")
)

// ActivityFaultError reports an unexpected failure of one activity.
type ActivityFaultError struct {
	ActivityID string
	Err        error
}

func (e *ActivityFaultError) Error() string {
	return fmt.Sprintf("activity %q faulted: %v", e.ActivityID, e.Err)
}

func (e *ActivityFaultError) Unwrap() error { return e.Err }

// InstanceError attributes a failed resume to one instance. Engine.Signal
// joins one per failed resume.
type InstanceError struct {
	InstanceID string
	ActivityID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("instance %s, activity %q: %v", e.InstanceID, e.ActivityID, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

// InstanceErrors returns every InstanceError joined into err.
func InstanceErrors(err error) []*InstanceError {
	var out []*InstanceError
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *InstanceError:
			out = append(out, e)
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

// ResultCode tells the triggering caller how a pass ended.
type ResultCode string

const (
	// ResultIdle means the pass suspended; the instance awaits signals.
	ResultIdle      ResultCode = "IDLE"
	ResultFinished  ResultCode = "FINISHED"
	ResultFaulted   ResultCode = "FAULTED"
	ResultCancelled ResultCode = "CANCELLED"
	// ResultStaleSignal means the resume found no matching awaiting entry:
	// its branch already lost a WaitAny race or the instance ended.
	ResultStaleSignal ResultCode = "STALE_SIGNAL"
)

// RunResult is returned by every trigger operation.
type RunResult struct {
	Instance *WorkflowInstance
	Code     ResultCode

	// Executed lists the activities that completed during the pass, in order.
	Executed []string

	// Blocked lists the activities that blocked during the pass, in order.
	Blocked []string
}

// Engine is the trigger boundary of the workflow engine.
type Engine interface {
	// RegisterWorkflow validates def and registers it by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start creates an instance of the named workflow and runs its first
	// pass from the start activities.
	Start(ctx context.Context, name string, input any) (*RunResult, error)

	// Resume resumes the awaiting activity (activityID, correlationKey) of
	// an instance. If the entry no longer exists the call is a no-op and
	// the result code is ResultStaleSignal.
	Resume(ctx context.Context, instanceID, activityID, correlationKey string, input any) (*RunResult, error)

	// Signal resumes every idle instance with an activity awaiting
	// correlationKey. Instances are resumed one after another. Each failed
	// resume is reported as an *InstanceError inside the joined error; a
	// faulted resume also has its result in the returned slice.
	Signal(ctx context.Context, correlationKey string, input any) ([]*RunResult, error)

	// Cancel removes all awaiting entries of an instance and marks it
	// CANCELLED in one checkpoint. Cancelling a terminal instance is a no-op.
	Cancel(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// RecoverStuckInstances faults instances left EXECUTING by a crashed
	// process. Instances whose lease is still live are skipped.
	//
	// It returns the number of instances it updated.
	RecoverStuckInstances(ctx context.Context) (int, error)
}

// HistoryReader allows reading an instance's event history.
type HistoryReader interface {
	// ListEvents returns all events for an instance in chronological order.
	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)
}
