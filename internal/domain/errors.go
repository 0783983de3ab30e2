package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed or missing input rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateError reports an event or transition that does not apply to the current state.
type StateError struct {
	Entity string
	ID     string
	From   string
	Event  string
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s %s: %s not allowed from %s", e.Entity, e.ID, e.Event, e.From)
}

// CycleError rejects a task graph containing a dependency cycle.
type CycleError struct {
	Path []string
}

func (e CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// TransientError marks a capability failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

// FatalError marks a capability failure that must not be retried.
type FatalError struct {
	Err error
}

func (e FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e FatalError) Unwrap() error { return e.Err }

// ScopeError reports a request outside configured autonomous bounds.
// It is recorded and escalated, never returned to clients as a failure.
type ScopeError struct {
	Kind      string
	Requested float64
	Limit     float64
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("%s: requested %g exceeds bound %g", e.Kind, e.Requested, e.Limit)
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return FatalError{Err: err}
}
