package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrLeaseNotHeld is returned by RenewLease and CheckpointInstance when
	// the caller does not own the lease.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// WorkflowStore handles storage of workflow definitions. Definitions carry
// Go activity values and are therefore kept in process.
type WorkflowStore interface {
	SaveWorkflow(def api.WorkflowDefinition) error
	GetWorkflow(name string) (api.WorkflowDefinition, error)
	ListWorkflows() ([]string, error)
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowName string
	Status       api.Status
}

// Matches reports whether inst passes the filter.
func (f InstanceFilter) Matches(inst *api.WorkflowInstance) bool {
	if f.WorkflowName != "" && inst.Name != f.WorkflowName {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances. UpdateInstance and
// CheckpointInstance must replace the whole instance record in a single write.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	// SaveLeasedInstance inserts a new instance whose lease is already held
	// by owner, so no other caller can touch it before its first pass ends.
	SaveLeasedInstance(ctx context.Context, inst *api.WorkflowInstance, owner string, ttl time.Duration) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	// CheckpointInstance is UpdateInstance fenced on the lease: the write
	// happens only while owner holds an unexpired lease, otherwise it
	// returns ErrLeaseNotHeld and the stored record is left untouched.
	CheckpointInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)
	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}
