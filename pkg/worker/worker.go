package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowgraph/internal/taskqueue"
	"github.com/petrijr/flowgraph/pkg/api"
)

// Config controls worker behavior.
type Config struct {
	// WorkerID is the lease owner used with the queue. Defaults to a
	// random id.
	WorkerID string

	// MaxAttempts bounds the deliveries of a task whose instance stays
	// locked by another pass. Defaults to 5.
	MaxAttempts int

	// Backoff is the delay before the first redelivery; each further
	// redelivery doubles it, capped at MaxBackoff. Defaults to 100ms / 10s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// LeaseTTL is how long a dequeued task stays hidden from other
	// workers. HeartbeatInterval is how often the lease is renewed while
	// the task runs (LeaseTTL/3 when zero).
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// Concurrency is the number of task handlers started by Run.
	Concurrency int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls tasks from a Queue and applies them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	now    func() time.Time
}

// New creates a Worker with the default configuration.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// ID returns the lease owner id of the worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = w.now()
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// EnqueueStart enqueues a task that starts an instance of workflowName.
// It returns the task id.
func (w *Worker) EnqueueStart(ctx context.Context, workflowName string, input any) (string, error) {
	return w.EnqueueStartAt(ctx, workflowName, input, time.Time{})
}

// EnqueueStartAt is EnqueueStart for a task that runs no earlier than at.
func (w *Worker) EnqueueStartAt(ctx context.Context, workflowName string, input any, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeStart,
		WorkflowName: workflowName,
		Payload:      input,
		NotBefore:    at,
	})
}

// EnqueueResume enqueues the resume of one awaiting activity.
func (w *Worker) EnqueueResume(ctx context.Context, instanceID, activityID, correlationKey string, payload any) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:           taskqueue.TaskTypeResume,
		InstanceID:     instanceID,
		ActivityID:     activityID,
		CorrelationKey: correlationKey,
		Payload:        payload,
	})
}

// EnqueueSignal enqueues a signal for every instance awaiting correlationKey.
func (w *Worker) EnqueueSignal(ctx context.Context, correlationKey string, payload any) (string, error) {
	return w.EnqueueSignalAt(ctx, correlationKey, payload, time.Time{})
}

// EnqueueSignalAt is EnqueueSignal for a signal delivered no earlier than
// at. Scheduling a signal is how a timeout branch is raced against a
// human one.
func (w *Worker) EnqueueSignalAt(ctx context.Context, correlationKey string, payload any, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:           taskqueue.TaskTypeSignal,
		CorrelationKey: correlationKey,
		Payload:        payload,
		NotBefore:      at,
	})
}

// EnqueueCancel enqueues the cancellation of an instance.
func (w *Worker) EnqueueCancel(ctx context.Context, instanceID string) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancel,
		InstanceID: instanceID,
	})
}

// ProcessOne leases a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue error).
//   - processed == true: a task was handled; err reports its failure.
//
// A task whose instance is locked by another pass is nacked with
// exponential backoff until MaxAttempts deliveries have been made.
// A task interrupted by ctx is left leased and is redelivered once its
// lease expires.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	stop := w.heartbeat(ctx, task.ID)
	handleErr := w.handle(ctx, task)
	stop()

	if handleErr != nil && ctx.Err() != nil {
		return true, handleErr
	}

	if errors.Is(handleErr, api.ErrWorkflowInstanceLocked) {
		attempts := task.Attempts + 1
		if attempts < w.cfg.MaxAttempts {
			retryAt := w.now().Add(w.backoff(attempts))
			if err := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, retryAt, attempts); err != nil {
				return true, fmt.Errorf("reschedule task %s: %w", task.ID, err)
			}
			w.cfg.Logger.DebugContext(ctx, "task_rescheduled",
				slog.String("task_id", task.ID),
				slog.String("type", string(task.Type)),
				slog.Int("attempts", attempts),
				slog.Time("retry_at", retryAt),
			)
			return true, nil
		}
		handleErr = fmt.Errorf("giving up after %d attempts: %w", attempts, handleErr)
	}

	if err := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); err != nil {
		return true, errors.Join(handleErr, fmt.Errorf("ack task %s: %w", task.ID, err))
	}
	return true, handleErr
}

// backoff returns the delay before delivery attempts+1.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.Backoff
	for i := 1; i < attempts && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxBackoff)
}

// heartbeat renews the task lease until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, taskID string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.RenewLease(hbCtx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
					if hbCtx.Err() == nil {
						w.cfg.Logger.WarnContext(ctx, "task_lease_renew_failed",
							slog.String("task_id", taskID),
							slog.Any("error", err),
						)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStart:
		_, err := w.engine.Start(ctx, task.WorkflowName, task.Payload)
		return err

	case taskqueue.TaskTypeResume:
		_, err := w.engine.Resume(ctx, task.InstanceID, task.ActivityID, task.CorrelationKey, task.Payload)
		return err

	case taskqueue.TaskTypeSignal:
		_, err := w.engine.Signal(ctx, task.CorrelationKey, task.Payload)
		return err

	case taskqueue.TaskTypeCancel:
		_, err := w.engine.Cancel(ctx, task.InstanceID)
		return err

	default:
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks with Concurrency handlers until ctx is cancelled.
// Task failures are logged; Run only returns ctx's error.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range w.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				processed, err := w.ProcessOne(ctx)
				if err == nil || ctx.Err() != nil {
					continue
				}
				if !processed {
					w.cfg.Logger.ErrorContext(ctx, "task_dequeue_failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
					case <-time.After(w.cfg.Backoff):
					}
					continue
				}
				w.cfg.Logger.WarnContext(ctx, "task_failed", slog.Any("error", err))
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
