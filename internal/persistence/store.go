package persistence

import (
	"github.com/mlinna/virta/pkg/api"
)

// InstanceStore handles durable storage of workflow instances. The engine
// loads at the start and saves at the end of each Advance cycle; failures
// here are infrastructure errors, not workflow errors.
//
// Workflow definitions are not stored: they contain step functions and
// predicates, so they live in the in-process registry and are re-registered
// on startup.
type InstanceStore interface {
	// SaveInstance inserts a new instance.
	SaveInstance(inst *api.Instance) error

	// UpdateInstance overwrites an existing instance. It returns
	// api.ErrInstanceNotFound if the id is unknown.
	UpdateInstance(inst *api.Instance) error

	// GetInstance returns the instance by id, or api.ErrInstanceNotFound.
	GetInstance(id string) (*api.Instance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(filter api.InstanceFilter) ([]*api.Instance, error)
}
