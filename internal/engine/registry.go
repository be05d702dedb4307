package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/flowgraph/internal/persistence"
	"github.com/petrijr/flowgraph/pkg/api"
)

// graphRegistry caches the validated graph of every registered definition.
// Definitions are stored in the workflow store; graphs are rebuilt from it
// on a cache miss.
type graphRegistry struct {
	store persistence.WorkflowStore

	mu     sync.RWMutex
	graphs map[string]*api.Graph
}

func newGraphRegistry(store persistence.WorkflowStore) *graphRegistry {
	return &graphRegistry{
		store:  store,
		graphs: make(map[string]*api.Graph),
	}
}

func (r *graphRegistry) Register(def api.WorkflowDefinition) error {
	g, err := api.NewGraph(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.graphs[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}
	if _, err := r.store.GetWorkflow(def.Name); err == nil {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	} else if !errors.Is(err, persistence.ErrWorkflowNotFound) {
		return err
	}

	if err := r.store.SaveWorkflow(def); err != nil {
		return err
	}
	r.graphs[def.Name] = g
	return nil
}

func (r *graphRegistry) Get(name string) (*api.Graph, error) {
	r.mu.RLock()
	g, ok := r.graphs[name]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	def, err := r.store.GetWorkflow(name)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflow, name)
		}
		return nil, err
	}
	g, err = api.NewGraph(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.graphs[name]; ok {
		return cached, nil
	}
	r.graphs[name] = g
	return g, nil
}
