package engine

import (
	"fmt"
	"sync"

	"github.com/mlinna/virta/pkg/api"
)

// workflowRegistry holds registered workflow definitions keyed by
// (id, version). Definitions contain step functions and predicates, so
// they live in-process and are re-registered on startup; only instances
// are persisted.
type workflowRegistry struct {
	mu   sync.RWMutex
	byID map[string]map[string]*api.Workflow
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byID: make(map[string]map[string]*api.Workflow),
	}
}

func (r *workflowRegistry) Register(wf *api.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[wf.ID()]
	if versions == nil {
		versions = make(map[string]*api.Workflow)
		r.byID[wf.ID()] = versions
	}

	if _, exists := versions[wf.Version()]; exists {
		return fmt.Errorf("workflow %q version %q already registered", wf.ID(), wf.Version())
	}

	versions[wf.Version()] = wf
	return nil
}

// Get looks up a workflow by id and version. An empty version resolves
// only when exactly one version is registered.
func (r *workflowRegistry) Get(id, version string) (*api.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("workflow %q: %w", id, api.ErrWorkflowNotFound)
	}

	if version == "" {
		if len(versions) != 1 {
			return nil, fmt.Errorf("workflow %q has %d versions, version required", id, len(versions))
		}
		for _, wf := range versions {
			return wf, nil
		}
	}

	wf, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("workflow %q version %q: %w", id, version, api.ErrWorkflowNotFound)
	}
	return wf, nil
}

func (r *workflowRegistry) Versions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	return out
}
