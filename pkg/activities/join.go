package activities

import (
	"context"
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/petrijr/flowgraph/pkg/api"
)

func init() {
	gob.Register(JoinState{})
}

// JoinKind is the activity-type tag of Join.
const JoinKind = "Join"

// OutcomeJoined is the only outcome of a Join.
const OutcomeJoined = "Joined"

// JoinMode selects the barrier semantics of a Join.
type JoinMode string

const (
	// WaitAll fires once every inbound branch has arrived.
	WaitAll JoinMode = "WaitAll"
	// WaitAny fires on the first arrival and cancels the awaiting
	// activities of the losing branches.
	WaitAny JoinMode = "WaitAny"
)

// ParseJoinMode parses a mode name. The empty string means WaitAll.
func ParseJoinMode(s string) (JoinMode, error) {
	switch JoinMode(s) {
	case "", WaitAll:
		return WaitAll, nil
	case WaitAny:
		return WaitAny, nil
	}
	return "", fmt.Errorf("unknown join mode %q", s)
}

// JoinState is the persisted private state of a Join: the set of branch
// keys that have arrived, kept sorted. It is never cleared on firing.
type JoinState struct {
	Branches []api.BranchKey
}

// Has reports whether k has been recorded.
func (s JoinState) Has(k api.BranchKey) bool {
	_, found := slices.BinarySearch(s.Branches, k)
	return found
}

// With returns the state with k added. The receiver is not modified.
func (s JoinState) With(k api.BranchKey) JoinState {
	i, found := slices.BinarySearch(s.Branches, k)
	if found {
		return s
	}
	return JoinState{Branches: slices.Insert(slices.Clone(s.Branches), i, k)}
}

// Join is a synchronization barrier over the inbound branches of its node.
type Join struct {
	Mode JoinMode
}

// NewJoin returns a Join with the given mode.
func NewJoin(mode JoinMode) *Join {
	return &Join{Mode: mode}
}

var (
	_ api.Activity     = (*Join)(nil)
	_ api.ExecutedHook = (*Join)(nil)
)

func (j *Join) Kind() string { return JoinKind }

func (j *Join) PossibleOutcomes() []string { return []string{OutcomeJoined} }

// Execute evaluates the barrier.
func (j *Join) Execute(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	id := ec.Current().ID
	state := LoadJoinState(ec, id)
	inbound := ec.InboundTransitions(id)

	var done bool
	switch j.Mode {
	case WaitAll, "":
		done = true
		for _, t := range inbound {
			if !state.Has(api.BranchKeyOf(t)) {
				done = false
				break
			}
		}
	case WaitAny:
		for _, t := range inbound {
			if state.Has(api.BranchKeyOf(t)) {
				done = true
				break
			}
		}
		if done {
			ancestors := ec.AncestorPath(id)
			losing := ec.ListAwaiting(func(a api.AwaitingActivity) bool {
				return ancestors.Has(a.ActivityID)
			})
			ec.RemoveAwaiting(losing)
		}
	default:
		return api.Result{}, fmt.Errorf("unknown join mode %q", j.Mode)
	}

	if !done {
		return api.Blocked(), nil
	}
	return api.Completed(OutcomeJoined), nil
}

// OnActivityExecuted records the arrival of every branch that leaves the
// executed activity through one of its produced outcomes and enters a Join.
func (j *Join) OnActivityExecuted(ctx context.Context, ec *api.ExecutionContext, executed api.ActivityRecord, outcomes []string) error {
	for _, t := range ec.OutboundTransitions(executed.ID) {
		if !slices.Contains(outcomes, t.SourceOutcome) {
			continue
		}
		dest, ok := ec.Activity(t.DestinationActivityID)
		if !ok || dest.Kind() != JoinKind {
			continue
		}
		state := LoadJoinState(ec, dest.ID)
		ec.SetPrivateState(dest.ID, state.With(api.BranchKeyOf(t)))
	}
	return nil
}

// LoadJoinState returns the recorded branches of the join activityID.
func LoadJoinState(ec *api.ExecutionContext, activityID string) JoinState {
	switch s := ec.PrivateState(activityID).(type) {
	case JoinState:
		return s
	case *JoinState:
		if s != nil {
			return *s
		}
	}
	return JoinState{}
}
