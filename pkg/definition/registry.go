package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flowgraph/pkg/activities"
	"github.com/petrijr/flowgraph/pkg/api"
)

// KindFactory builds the activity of one YAML activity entry.
type KindFactory func(decl ActivityYAML, r *Registry) (api.Activity, error)

// Registry maps activity kinds and task handler names to implementations.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	kinds    map[string]KindFactory
	handlers map[string]activities.TaskFunc
}

// NewRegistry returns a registry knowing the built-in activity kinds:
// Task, Signal, Fork, Finish and Join.
func NewRegistry() *Registry {
	r := &Registry{
		kinds:    make(map[string]KindFactory),
		handlers: make(map[string]activities.TaskFunc),
	}
	r.RegisterKind(activities.TaskKind, buildTask)
	r.RegisterKind(activities.SignalKind, buildSignal)
	r.RegisterKind(activities.ForkKind, buildFork)
	r.RegisterKind(activities.FinishKind, buildFinish)
	r.RegisterKind(activities.JoinKind, buildJoin)
	return r
}

// RegisterKind adds or replaces the factory for kind.
func (r *Registry) RegisterKind(kind string, f KindFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = f
}

// RegisterHandler makes fn available to Task activities as handler name.
func (r *Registry) RegisterHandler(name string, fn activities.TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Handler looks up a task handler.
func (r *Registry) Handler(name string) (activities.TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) build(decl ActivityYAML) (api.Activity, error) {
	r.mu.RLock()
	f, ok := r.kinds[decl.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q: unknown kind %q", decl.ID, decl.Kind)
	}
	return f(decl, r)
}

func buildTask(decl ActivityYAML, r *Registry) (api.Activity, error) {
	if decl.Handler == "" {
		return nil, fmt.Errorf("activity %q: task requires a handler", decl.ID)
	}
	fn, ok := r.Handler(decl.Handler)
	if !ok {
		return nil, fmt.Errorf("activity %q: unknown handler %q", decl.ID, decl.Handler)
	}
	t := activities.NewTask(fn, decl.Outcomes...)
	if decl.Retry != nil {
		t = t.WithRetry(api.RetryPolicy{
			MaxAttempts:       decl.Retry.MaxAttempts,
			InitialBackoff:    decl.Retry.InitialBackoff,
			MaxBackoff:        decl.Retry.MaxBackoff,
			BackoffMultiplier: decl.Retry.Multiplier,
		})
	}
	return t, nil
}

func buildSignal(decl ActivityYAML, _ *Registry) (api.Activity, error) {
	return activities.NewSignal(decl.CorrelationKey), nil
}

func buildFork(decl ActivityYAML, _ *Registry) (api.Activity, error) {
	if len(decl.Branches) == 0 {
		return nil, fmt.Errorf("activity %q: fork requires branches", decl.ID)
	}
	return activities.NewFork(decl.Branches...), nil
}

func buildFinish(ActivityYAML, *Registry) (api.Activity, error) {
	return activities.NewFinish(), nil
}

func buildJoin(decl ActivityYAML, _ *Registry) (api.Activity, error) {
	mode, err := activities.ParseJoinMode(decl.Mode)
	if err != nil {
		return nil, fmt.Errorf("activity %q: %w", decl.ID, err)
	}
	return activities.NewJoin(mode), nil
}
