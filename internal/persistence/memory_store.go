package persistence

import (
	"sync"

	"github.com/mlinna/virta/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe InstanceStore backed by a map.
// It stores snapshots, so callers can keep mutating their own copy after a
// save without racing readers.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
	}
}

var _ InstanceStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Snapshot()
	return nil
}

func (s *InMemoryStore) UpdateInstance(inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return api.ErrInstanceNotFound
	}
	s.instances[inst.ID] = inst.Snapshot()
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return inst.Snapshot(), nil
}

func (s *InMemoryStore) ListInstances(filter api.InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance
	for _, inst := range s.instances {
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst.Snapshot())
	}
	return result, nil
}
