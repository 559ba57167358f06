// Package assignment resolves an approval step's eligible-user set and
// picks one assignee, balancing workload with a round-robin cursor per
// (group, role) key.
package assignment

import (
	"context"
	"fmt"
	"sync"

	"github.com/mlinna/virta/pkg/api"
)

// Strategy selects how Assign picks among eligible members.
type Strategy string

const (
	// StrategyRoundRobin cycles through the member list in stable order
	// with a cursor per (group, role). Currently the only implemented
	// strategy.
	StrategyRoundRobin Strategy = "round_robin"
)

// Service assigns approvers from identity-provider groups. Cursor state is
// owned by the Service instance, not a package global, so tests can reset
// it by constructing a fresh Service.
type Service struct {
	directory api.Directory

	mu      sync.Mutex
	cursors map[string]int
}

// New creates a Service backed by the given directory. A nil directory
// degrades to an empty one, so every Assign call falls back to group-only
// assignment.
func New(directory api.Directory) *Service {
	if directory == nil {
		directory = api.NoopDirectory{}
	}
	return &Service{
		directory: directory,
		cursors:   make(map[string]int),
	}
}

// NewWithStrategy creates a Service using the given selection strategy.
// An empty strategy defaults to round-robin; unknown strategies are
// rejected so callers fail at wiring time rather than on first Assign.
func NewWithStrategy(directory api.Directory, strategy Strategy) (*Service, error) {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if strategy != StrategyRoundRobin {
		return nil, fmt.Errorf("assignment: unknown strategy %q", strategy)
	}
	return New(directory), nil
}

// Assign selects the next assignee from groupID (optionally narrowed by
// role) in round-robin order. If the member list changed size since the
// last call the cursor is taken modulo the new length, so fairness
// degrades gracefully instead of erroring.
//
// An empty eligible set returns api.ErrNoEligibleAssignee; the caller
// falls back to group-only assignment.
func (s *Service) Assign(ctx context.Context, groupID, role string) (string, error) {
	members, err := s.directory.GroupMembers(ctx, groupID, role)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", api.ErrNoEligibleAssignee
	}

	key := groupID + "\x00" + role

	s.mu.Lock()
	cursor := s.cursors[key] % len(members)
	s.cursors[key] = cursor + 1
	s.mu.Unlock()

	return members[cursor], nil
}

// Eligible returns the current eligible member set without advancing the
// cursor. All-of approval steps use it to pin the full approver list.
func (s *Service) Eligible(ctx context.Context, groupID, role string) ([]string, error) {
	members, err := s.directory.GroupMembers(ctx, groupID, role)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, api.ErrNoEligibleAssignee
	}
	return members, nil
}
