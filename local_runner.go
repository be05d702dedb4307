package flowgraph

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue and a
// Worker for development and tests:
//
//	runner := flowgraph.NewLocalRunner()
//	flow.MustRegister(runner.Engine)
//
//	// Synchronous pass:
//	res, err := flowgraph.Start(ctx, runner.Engine, flow.Name(), input)
//
//	// Through the queue:
//	_ = runner.StartWorkers(ctx, 2)
//	_, _ = runner.StartAsync(ctx, flow.Name(), input)
//	...
//	runner.Stop()
type LocalRunner struct {
	Engine Engine
	Queue  taskqueue.Queue
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with default worker settings.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithObserver(nil)
}

// NewLocalRunnerWithObserver is NewLocalRunner with an engine observer.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	eng := NewInMemoryEngineWithObserver(obs)
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
	}
}

// StartWorkers runs concurrency task handlers until Stop. Calling it again
// without Stop is an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("flowgraph: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg = &sync.WaitGroup{}
	r.running = true

	// Run keeps no per-call state; concurrent calls share the worker.
	for range max(concurrency, 1) {
		r.wg.Go(func() { _ = r.Worker.Run(ctx) })
	}
	return nil
}

// Stop cancels the handlers started by StartWorkers and waits for them.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, wg := r.cancel, r.wg
	r.running = false
	r.cancel, r.wg = nil, nil
	r.mu.Unlock()

	cancel()
	wg.Wait()
}

// StartAsync enqueues a start task and returns its task ID.
func (r *LocalRunner) StartAsync(ctx context.Context, workflowName string, input any) (string, error) {
	return r.Worker.EnqueueStart(ctx, workflowName, input)
}

// ResumeAsync enqueues a resume task for one awaiting activity.
func (r *LocalRunner) ResumeAsync(ctx context.Context, instanceID, activityID, correlationKey string, payload any) (string, error) {
	return r.Worker.EnqueueResume(ctx, instanceID, activityID, correlationKey, payload)
}

// SignalAsync enqueues a signal task for every instance awaiting correlationKey.
func (r *LocalRunner) SignalAsync(ctx context.Context, correlationKey string, payload any) (string, error) {
	return r.Worker.EnqueueSignal(ctx, correlationKey, payload)
}
