package activities

import (
	"context"

	"github.com/petrijr/flowgraph/pkg/api"
)

const (
	ForkKind   = "Fork"
	FinishKind = "Finish"
)

// Fork completes with every one of its branch outcomes, fanning the pass out
// to all of them.
type Fork struct {
	Branches []string
}

// NewFork returns a Fork producing the given outcomes.
func NewFork(branches ...string) *Fork {
	return &Fork{Branches: branches}
}

func (f *Fork) Kind() string { return ForkKind }

func (f *Fork) PossibleOutcomes() []string { return f.Branches }

func (f *Fork) Execute(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	return api.Completed(f.Branches...), nil
}

// Finish ends its branch. It produces no outcomes.
type Finish struct{}

// NewFinish returns a Finish activity.
func NewFinish() *Finish { return &Finish{} }

func (Finish) Kind() string { return FinishKind }

func (Finish) PossibleOutcomes() []string { return []string{} }

func (Finish) Execute(ctx context.Context, ec *api.ExecutionContext) (api.Result, error) {
	return api.Completed(), nil
}
