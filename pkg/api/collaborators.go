package api

import (
	"context"
	"time"
)

// Directory is the identity collaborator. Implementations typically query
// an identity provider for the members of a group, optionally filtered by
// role. The engine treats failures here as retryable infrastructure
// errors, not workflow errors.
type Directory interface {
	GroupMembers(ctx context.Context, groupID, role string) ([]string, error)
}

// Invocation describes one integration-step call to an external service.
type Invocation struct {
	Service  string
	Endpoint string
	Method   string
	Payload  map[string]any
	Timeout  time.Duration
}

// ServiceInvoker executes integration-step calls. Implementations wrap
// retryable failures with Transient so the executor can apply the step's
// retry budget; any other error fails the step permanently.
type ServiceInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (map[string]any, error)
}

// Event names the state transitions the engine announces via Notifier.
type Event string

const (
	EventWaitingForInput    Event = "waiting_for_input"
	EventWaitingForApproval Event = "waiting_for_approval"
	EventCompleted          Event = "completed"
	EventFailed             Event = "failed"
)

// Notifier is the fire-and-forget notification collaborator. The engine
// never waits for delivery confirmation and ignores errors.
type Notifier interface {
	Notify(ctx context.Context, event Event, instanceID string, payload map[string]any)
}

// NoopDirectory returns no members for any group.
type NoopDirectory struct{}

func (NoopDirectory) GroupMembers(ctx context.Context, groupID, role string) ([]string, error) {
	return nil, nil
}

// NoopNotifier drops all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, event Event, instanceID string, payload map[string]any) {
}

// StaticDirectory is a Directory backed by a fixed group → members map.
// Useful in tests and single-tenant deployments. The optional role filter
// matches against roles[member].
type StaticDirectory struct {
	Members map[string][]string
	Roles   map[string][]string
}

func (d *StaticDirectory) GroupMembers(ctx context.Context, groupID, role string) ([]string, error) {
	members := d.Members[groupID]
	if role == "" {
		return append([]string(nil), members...), nil
	}
	var out []string
	for _, m := range members {
		for _, r := range d.Roles[m] {
			if r == role {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}
