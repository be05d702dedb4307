package activities

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

// TaskKind is the activity-type tag of Task.
const TaskKind = "Task"

// TaskFunc performs the work of a Task and returns the outcome to follow.
// An empty outcome means OutcomeDone.
type TaskFunc func(ctx context.Context, ec *api.ExecutionContext) (string, error)

// Task runs a Go function. Failed attempts are rolled back and retried
// according to Retry; the engine itself never retries.
type Task struct {
	Fn TaskFunc

	// Outcomes declares the outcomes Fn may return. Nil means {Done}.
	Outcomes []string

	Retry *api.RetryPolicy
}

// NewTask returns a Task running fn with the given declared outcomes.
func NewTask(fn TaskFunc, outcomes ...string) *Task {
	return &Task{Fn: fn, Outcomes: outcomes}
}

// Step adapts a StepFunc into a Task: the step receives the instance input,
// its result is recorded as the activity output and the outcome is Done.
func Step(fn api.StepFunc) *Task {
	return &Task{
		Fn: func(ctx context.Context, ec *api.ExecutionContext) (string, error) {
			out, err := fn(ctx, ec.Instance().Input)
			if err != nil {
				return "", err
			}
			ec.SetOutput(ec.Current().ID, out)
			return OutcomeDone, nil
		},
	}
}

// WithRetry returns a copy of t using the given retry policy.
func (t *Task) WithRetry(p api.RetryPolicy) *Task {
	c := *t
	c.Retry = &p
	return &c
}

var _ api.Activity = (*Task)(nil)

func (t *Task) Kind() string { return TaskKind }

func (t *Task) PossibleOutcomes() []string {
	if len(t.Outcomes) == 0 {
		return []string{OutcomeDone}
	}
	return t.Outcomes
}

func (t *Task) Execute(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	if t.Fn == nil {
		return api.Result{}, errors.New("task has nil function")
	}

	attempts := t.Retry.Attempts()
	inst := ec.Instance()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if d := t.Retry.Delay(attempt - 1); d > 0 {
				select {
				case <-ctx.Done():
					return api.Result{}, ctx.Err()
				case <-time.After(d):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return api.Result{}, err
		}

		// A failed attempt leaves no outputs, state or awaiting entries behind.
		snapshot := inst.Clone()
		outcome, err := t.Fn(ctx, ec)
		if err != nil {
			*inst = *snapshot
			lastErr = err
			continue
		}
		if outcome == "" {
			outcome = OutcomeDone
		}
		if !slices.Contains(t.PossibleOutcomes(), outcome) {
			return api.Result{}, fmt.Errorf("task returned undeclared outcome %q", outcome)
		}
		return api.Completed(outcome), nil
	}

	if attempts > 1 {
		return api.Result{}, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
	}
	return api.Result{}, lastErr
}
