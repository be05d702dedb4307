package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/flowgraph/pkg/api"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a simple, goroutine-safe implementation of
// WorkflowStore and InstanceStore backed by maps. Instances are cloned on
// the way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]api.WorkflowDefinition
	instances map[string]*api.WorkflowInstance
	leases    map[string]memoryLease

	now func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]api.WorkflowDefinition),
		instances: make(map[string]*api.WorkflowInstance),
		leases:    make(map[string]memoryLease),
		now:       time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ WorkflowStore = (*InMemoryStore)(nil)

var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveWorkflow(def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[def.Name] = def
	return nil
}

func (s *InMemoryStore) GetWorkflow(name string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}

	return def, nil
}

func (s *InMemoryStore) ListWorkflows() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) SaveLeasedInstance(ctx context.Context, inst *api.WorkflowInstance, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Clone()
	s.leases[inst.ID] = memoryLease{owner: owner, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) CheckpointInstance(ctx context.Context, inst *api.WorkflowInstance, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	l, ok := s.leases[inst.ID]
	if !ok || l.owner != owner || !s.now().Before(l.expiresAt) {
		return ErrLeaseNotHeld
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance

	for _, inst := range s.instances {
		if !filter.Matches(inst) {
			continue
		}
		result = append(result, inst.Clone())
	}

	sortInstances(result)
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, ErrInstanceNotFound
	}

	now := s.now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[instanceID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return ErrLeaseNotHeld
	}
	l.expiresAt = s.now().Add(ttl)
	s.leases[instanceID] = l
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

// sortInstances orders instances by creation time, then id.
func sortInstances(list []*api.WorkflowInstance) {
	slices.SortFunc(list, func(a, b *api.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
