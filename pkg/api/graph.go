package api

import (
	"errors"
	"fmt"
	"slices"
)

// ErrGraphInconsistency is returned when a workflow definition cannot be
// loaded because its graph is malformed.
var ErrGraphInconsistency = errors.New("graph inconsistency")

// ActivityRecord is one node of a workflow definition.
type ActivityRecord struct {
	// ID is unique within the definition.
	ID string

	// Start marks a trigger activity. All start activities seed the
	// work-list of a newly started instance.
	Start bool

	// Activity is the configured activity variant executed for this node.
	Activity Activity
}

// Kind returns the activity-type tag of the record.
func (r ActivityRecord) Kind() string {
	if r.Activity == nil {
		return ""
	}
	return r.Activity.Kind()
}

// TransitionRecord is a directed, outcome-labeled edge.
type TransitionRecord struct {
	SourceActivityID      string
	SourceOutcome         string
	DestinationActivityID string
}

// WorkflowDefinition describes a workflow as a graph of activities.
type WorkflowDefinition struct {
	Name        string
	Activities  []ActivityRecord
	Transitions []TransitionRecord
}

// BranchKey identifies one inbound transition of an activity. It is
// derived from the transition only, never from execution timing.
type BranchKey string

// BranchKeyOf returns the branch key for a transition.
func BranchKeyOf(t TransitionRecord) BranchKey {
	return BranchKey("@" + t.SourceActivityID + "_" + t.SourceOutcome)
}

// ActivitySet is a read-only set of activity ids.
type ActivitySet map[string]struct{}

// Has reports whether id is in the set.
func (s ActivitySet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Graph is the validated, indexed form of a WorkflowDefinition. It is
// immutable and safe for concurrent use by any number of instances.
type Graph struct {
	def        WorkflowDefinition
	activities map[string]ActivityRecord
	outbound   map[string][]TransitionRecord
	inbound    map[string][]TransitionRecord
	ancestors  map[string]ActivitySet
	starts     []string
	hooks      []ExecutedHook
}

// NewGraph validates def and precomputes its adjacency indices.
func NewGraph(def WorkflowDefinition) (*Graph, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrGraphInconsistency)
	}
	if len(def.Activities) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no activities", ErrGraphInconsistency, def.Name)
	}

	g := &Graph{
		def:        def,
		activities: make(map[string]ActivityRecord, len(def.Activities)),
		outbound:   make(map[string][]TransitionRecord),
		inbound:    make(map[string][]TransitionRecord),
		ancestors:  make(map[string]ActivitySet, len(def.Activities)),
	}

	hookKinds := make(map[string]bool)
	for _, rec := range def.Activities {
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: activity with empty id", ErrGraphInconsistency)
		}
		if _, dup := g.activities[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate activity id %q", ErrGraphInconsistency, rec.ID)
		}
		if rec.Activity == nil {
			return nil, fmt.Errorf("%w: activity %q has no implementation", ErrGraphInconsistency, rec.ID)
		}
		g.activities[rec.ID] = rec
		if rec.Start {
			g.starts = append(g.starts, rec.ID)
		}
		if h, ok := rec.Activity.(ExecutedHook); ok && !hookKinds[rec.Kind()] {
			hookKinds[rec.Kind()] = true
			g.hooks = append(g.hooks, h)
		}
	}
	if len(g.starts) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no start activity", ErrGraphInconsistency, def.Name)
	}

	seenKeys := make(map[string]map[BranchKey]bool)
	for _, t := range def.Transitions {
		src, ok := g.activities[t.SourceActivityID]
		if !ok {
			return nil, fmt.Errorf("%w: transition references unknown source activity %q", ErrGraphInconsistency, t.SourceActivityID)
		}
		if _, ok := g.activities[t.DestinationActivityID]; !ok {
			return nil, fmt.Errorf("%w: transition references unknown destination activity %q", ErrGraphInconsistency, t.DestinationActivityID)
		}
		if t.SourceOutcome == "" {
			return nil, fmt.Errorf("%w: transition %s -> %s has no outcome", ErrGraphInconsistency, t.SourceActivityID, t.DestinationActivityID)
		}
		if outcomes := src.Activity.PossibleOutcomes(); outcomes != nil && !slices.Contains(outcomes, t.SourceOutcome) {
			return nil, fmt.Errorf("%w: activity %q (%s) has no outcome %q", ErrGraphInconsistency, src.ID, src.Kind(), t.SourceOutcome)
		}

		key := BranchKeyOf(t)
		keys := seenKeys[t.DestinationActivityID]
		if keys == nil {
			keys = make(map[BranchKey]bool)
			seenKeys[t.DestinationActivityID] = keys
		}
		if keys[key] {
			return nil, fmt.Errorf("%w: duplicate branch %s into activity %q", ErrGraphInconsistency, key, t.DestinationActivityID)
		}
		keys[key] = true

		g.outbound[t.SourceActivityID] = append(g.outbound[t.SourceActivityID], t)
		g.inbound[t.DestinationActivityID] = append(g.inbound[t.DestinationActivityID], t)
	}

	if unreachable := g.unreachable(); len(unreachable) > 0 {
		return nil, fmt.Errorf("%w: activities not reachable from a start activity: %v", ErrGraphInconsistency, unreachable)
	}

	for id := range g.activities {
		g.ancestors[id] = g.walkInbound(id)
	}

	return g, nil
}

// unreachable returns the ids not reachable from any start activity, in
// definition order.
func (g *Graph) unreachable() []string {
	seen := make(map[string]bool, len(g.activities))
	stack := append([]string(nil), g.starts...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, t := range g.outbound[id] {
			stack = append(stack, t.DestinationActivityID)
		}
	}

	var out []string
	for _, rec := range g.def.Activities {
		if !seen[rec.ID] {
			out = append(out, rec.ID)
		}
	}
	return out
}

func (g *Graph) walkInbound(id string) ActivitySet {
	set := make(ActivitySet)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range g.inbound[cur] {
			if set.Has(t.SourceActivityID) {
				continue
			}
			set[t.SourceActivityID] = struct{}{}
			queue = append(queue, t.SourceActivityID)
		}
	}
	return set
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.def.Name }

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() WorkflowDefinition { return g.def }

// Activity looks up an activity by id.
func (g *Graph) Activity(id string) (ActivityRecord, bool) {
	rec, ok := g.activities[id]
	return rec, ok
}

// Outbound returns the transitions leaving id, in definition order.
// The returned slice must not be modified.
func (g *Graph) Outbound(id string) []TransitionRecord { return g.outbound[id] }

// Inbound returns the transitions entering id, in definition order.
// The returned slice must not be modified.
func (g *Graph) Inbound(id string) []TransitionRecord { return g.inbound[id] }

// InboundAncestorPath returns every activity reachable by walking inbound
// transitions backward from id. In a cyclic graph the set may contain id.
func (g *Graph) InboundAncestorPath(id string) ActivitySet { return g.ancestors[id] }

// StartActivities returns the ids of the start activities in definition order.
func (g *Graph) StartActivities() []string { return g.starts }

// Hooks returns one ExecutedHook per distinct activity kind present in the
// graph that implements it.
func (g *Graph) Hooks() []ExecutedHook { return g.hooks }
