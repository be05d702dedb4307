package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/api"
)

// scriptedEngine is an api.Engine whose trigger calls return the errors
// queued in errs, one per call, then nil.
type scriptedEngine struct {
	mu    sync.Mutex
	errs  []error
	calls []string

	started chan struct{}
	release chan struct{}
}

func (e *scriptedEngine) next(call string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	if len(e.errs) == 0 {
		return nil
	}
	err := e.errs[0]
	e.errs = e.errs[1:]
	return err
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// block waits for release when the engine was built by newBlockingEngine.
func (e *scriptedEngine) block(ctx context.Context) error {
	if e.started == nil {
		return nil
	}
	select {
	case <-e.started:
	default:
		close(e.started)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.release:
		return nil
	}
}

func newBlockingEngine() *scriptedEngine {
	return &scriptedEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *scriptedEngine) RegisterWorkflow(def api.WorkflowDefinition) error { return nil }

func (e *scriptedEngine) Start(ctx context.Context, name string, input any) (*api.RunResult, error) {
	if err := e.block(ctx); err != nil {
		return nil, err
	}
	return &api.RunResult{Code: api.ResultFinished}, e.next("start:" + name)
}

func (e *scriptedEngine) Resume(ctx context.Context, instanceID, activityID, key string, input any) (*api.RunResult, error) {
	return &api.RunResult{Code: api.ResultIdle}, e.next("resume:" + instanceID + "/" + activityID)
}

func (e *scriptedEngine) Signal(ctx context.Context, key string, input any) ([]*api.RunResult, error) {
	return nil, e.next("signal:" + key)
}

func (e *scriptedEngine) Cancel(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return &api.WorkflowInstance{ID: instanceID, Status: api.StatusCancelled}, e.next("cancel:" + instanceID)
}

func (e *scriptedEngine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	panic("should not be called")
}

func (e *scriptedEngine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	panic("should not be called")
}

func (e *scriptedEngine) RecoverStuckInstances(ctx context.Context) (int, error) { return 0, nil }

// countingQueue counts lease renewals and nacks of an inner queue.
type countingQueue struct {
	inner  taskqueue.Queue
	renews atomic.Int64
	nacks  atomic.Int64
}

func (q *countingQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	return q.inner.Enqueue(ctx, t)
}

func (q *countingQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*taskqueue.Task, error) {
	return q.inner.Dequeue(ctx, owner, leaseTTL)
}

func (q *countingQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.inner.Ack(ctx, taskID, owner)
}

func (q *countingQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.nacks.Add(1)
	return q.inner.Nack(ctx, taskID, owner, notBefore, attempts)
}

func (q *countingQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.renews.Add(1)
	return q.inner.RenewLease(ctx, taskID, owner, leaseTTL)
}

func (q *countingQueue) Len() int { return q.inner.Len() }
