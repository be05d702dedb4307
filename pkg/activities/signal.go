package activities

import (
	"context"

	"github.com/petrijr/flowgraph/pkg/api"
)

// SignalKind is the activity-type tag of Signal.
const SignalKind = "Signal"

// OutcomeDone is the default completion outcome of Signal and Task.
const OutcomeDone = "Done"

// Signal suspends its branch until an external resume arrives with the
// configured correlation key. The resume payload becomes its output.
type Signal struct {
	// CorrelationKey identifies the awaited event. When empty, the key is
	// "<instance id>:<activity id>", unique per instance.
	CorrelationKey string
}

// NewSignal returns a Signal awaiting correlationKey.
func NewSignal(correlationKey string) *Signal {
	return &Signal{CorrelationKey: correlationKey}
}

var (
	_ api.Activity = (*Signal)(nil)
	_ api.Resumer  = (*Signal)(nil)
)

func (s *Signal) Kind() string { return SignalKind }

func (s *Signal) PossibleOutcomes() []string { return []string{OutcomeDone} }

// Key returns the correlation key used for the current activity.
func (s *Signal) Key(ec *api.ExecutionContext) string {
	if s.CorrelationKey != "" {
		return s.CorrelationKey
	}
	return ec.Instance().ID + ":" + ec.Current().ID
}

func (s *Signal) Execute(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	ec.RegisterAwaiting(ec.Current().ID, s.Key(ec))
	return api.Blocked(), nil
}

func (s *Signal) Resume(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	ec.SetOutput(ec.Current().ID, ec.Input())
	return api.Completed(OutcomeDone), nil
}
