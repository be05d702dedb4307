package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotLeased is returned by Ack, Nack and RenewLease when the task
// does not exist or its lease is held by another owner.
var ErrTaskNotLeased = errors.New("task not leased by owner")

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeStart starts a new instance of WorkflowName with Payload as input.
	TaskTypeStart TaskType = "start"
	// TaskTypeResume resumes (InstanceID, ActivityID, CorrelationKey) with Payload.
	TaskTypeResume TaskType = "resume"
	// TaskTypeSignal resumes every idle instance awaiting CorrelationKey.
	TaskTypeSignal TaskType = "signal"
	// TaskTypeCancel cancels InstanceID.
	TaskTypeCancel TaskType = "cancel"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	WorkflowName   string
	InstanceID     string
	ActivityID     string
	CorrelationKey string

	// Payload is the start input or the resume payload. Concrete types
	// must be registered with gob for the durable queues.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts the deliveries that ended in a Nack.
	Attempts int
}

// Queue is an at-least-once task queue. A dequeued task is leased to its
// owner for leaseTTL; if it is neither acked nor nacked before the lease
// expires it becomes visible to other owners again.
type Queue interface {
	// Enqueue adds a task. Empty ID and EnqueuedAt are filled in.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next visible task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task and schedules it again at notBefore with
	// the given attempt count.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease of a task still held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued, leased ones included.
	Len() int
}

// prepare fills in the defaults of a task about to be enqueued.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

const defaultPollInterval = 20 * time.Millisecond

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a timer that is not running.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}
