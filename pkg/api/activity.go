package api

import (
	"context"
	"fmt"
)

// Activity is the capability every activity variant implements.
type Activity interface {
	// Kind returns the activity-type tag, e.g. "Join".
	Kind() string

	// PossibleOutcomes lists the outcomes the activity can produce. It is
	// used for load-time validation and authoring tools. A nil slice means
	// the outcomes are not known statically and are not validated; an
	// empty non-nil slice means the activity produces no outcomes.
	PossibleOutcomes() []string

	// Execute runs the activity for ec.Current().
	Execute(ctx context.Context, ec *ExecutionContext) (Result, error)
}

// Resumer is implemented by activities that suspend on an external signal.
// When a pass is seeded by a resume, the scheduler calls Resume instead of
// Execute for the resumed activity.
type Resumer interface {
	Resume(ctx context.Context, ec *ExecutionContext) (Result, error)
}

// ExecutedHook is implemented by activity kinds that need to observe every
// completed activity of a pass, whichever kind it is. The scheduler calls it
// once per kind, after the activity completes and before its outbound
// transitions are followed.
type ExecutedHook interface {
	OnActivityExecuted(ctx context.Context, ec *ExecutionContext, executed ActivityRecord, outcomes []string) error
}

// Result is the outcome of executing an activity: either Blocked or
// Completed with zero or more outcome names.
type Result struct {
	blocked  bool
	outcomes []string
}

// Blocked reports that the activity cannot complete in this pass.
func Blocked() Result {
	return Result{blocked: true}
}

// Completed reports that the activity finished with the given outcomes.
func Completed(outcomes ...string) Result {
	return Result{outcomes: outcomes}
}

// IsBlocked reports whether the activity blocked.
func (r Result) IsBlocked() bool { return r.blocked }

// Outcomes returns the produced outcomes. It is empty for a blocked result.
func (r Result) Outcomes() []string { return r.outcomes }

func (r Result) String() string {
	if r.blocked {
		return "Blocked"
	}
	return fmt.Sprintf("Completed%v", r.outcomes)
}
