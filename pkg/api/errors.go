package api

import (
	"errors"
	"fmt"
	"strings"
)

// GraphErrorKind classifies workflow build failures.
type GraphErrorKind string

const (
	// CycleDetected means the transition graph contains a cycle.
	CycleDetected GraphErrorKind = "CycleDetected"
	// MissingDefaultRoute means a conditional step has no fallback route.
	MissingDefaultRoute GraphErrorKind = "MissingDefaultRoute"
	// UnreachableStep means a step cannot be reached from the start step.
	UnreachableStep GraphErrorKind = "UnreachableStep"
	// DeadEndStep means a non-terminal step cannot reach any terminal step.
	DeadEndStep GraphErrorKind = "DeadEndStep"
	// DuplicateStep means two steps share an id.
	DuplicateStep GraphErrorKind = "DuplicateStep"
	// UnknownStep means a transition or route references a step id that
	// does not exist.
	UnknownStep GraphErrorKind = "UnknownStep"
	// MissingStart means the start step id is empty or unknown.
	MissingStart GraphErrorKind = "MissingStart"
	// AmbiguousRoute means an action or integration step has more than one
	// unconditional successor, or a terminal step has outgoing transitions.
	AmbiguousRoute GraphErrorKind = "AmbiguousRoute"
	// InvalidStep means a step's kind and variant payload disagree.
	InvalidStep GraphErrorKind = "InvalidStep"
)

// GraphError is a build-time workflow definition error. It is fatal:
// a workflow that fails to build never reaches execution.
type GraphError struct {
	Kind   GraphErrorKind
	StepID string
	// Path names one offending path for cycle errors.
	Path   []string
	Detail string
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString("workflow graph: ")
	b.WriteString(string(e.Kind))
	if e.StepID != "" {
		fmt.Fprintf(&b, ": step %q", e.StepID)
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, ": path %s", strings.Join(e.Path, " -> "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// IsGraphError returns the GraphError kind if err is a build failure.
func IsGraphError(err error) (GraphErrorKind, bool) {
	var g *GraphError
	if errors.As(err, &g) {
		return g.Kind, true
	}
	return "", false
}

// ValidationError reports that a declared input was present but malformed.
// It is terminal for the instance run and never retried.
type ValidationError struct {
	StepID string
	Key    string
	Want   InputType
	Got    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: step %q input %q: want %s, got %s",
		e.StepID, e.Key, e.Want, e.Got)
}

// TransientExternalError wraps a failure of an external service call that
// is safe to retry. Integration steps retry it up to the step's retry
// budget; anything else treats it as a plain error.
type TransientExternalError struct {
	Service string
	Err     error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("transient failure calling %s: %v", e.Service, e.Err)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientExternalError. ServiceInvoker
// implementations use it to mark retryable failures.
func Transient(service string, err error) error {
	return &TransientExternalError{Service: service, Err: err}
}

// IsTransient reports whether err is a retryable external failure.
func IsTransient(err error) bool {
	var t *TransientExternalError
	return errors.As(err, &t)
}

// StepError is an unexpected failure inside a step body, including a
// retry budget exhausted on an integration step or a recovered panic.
// It is terminal for the owning instance and only that instance.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

var (
	// ErrInvalidStateTransition is returned synchronously when a caller
	// attempts an operation that is illegal for the instance's current
	// state (for example submitting data to an instance that is not
	// waiting for input). The instance state is unchanged.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNoEligibleAssignee is returned by the assignment service when a
	// group has no eligible members. Callers fall back to group-only
	// assignment; it is not fatal.
	ErrNoEligibleAssignee = errors.New("no eligible assignee")

	// ErrWorkflowNotFound is returned when a workflow definition is not
	// registered.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound is returned when an instance id is unknown.
	ErrInstanceNotFound = errors.New("instance not found")
)
