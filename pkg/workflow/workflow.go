package workflow

import (
	"context"
	"database/sql"
	"fmt"
)

// Ref identifies a workflow-bearing entity without runtime type resolution.
type Ref struct {
	EntityType string
	EntityID   string
}

// Subject is the typed view the engine needs of a workflow-bearing entity.
// Entities expose their state and optimistic-concurrency version explicitly
// instead of carrying attribute bags.
type Subject interface {
	Ref() Ref
	State() string
	Version() int
}

// Guard is a named governance precondition attached to an edge. A guard error
// propagates to the caller unchanged.
type Guard func(ctx context.Context, subject Subject) error

// Edge is one allowed transition out of a state.
type Edge struct {
	To string
	// RequiredRole, when set, must be held by the acting actor.
	RequiredRole string
	// Guard, when set, names a registered governance precondition.
	Guard string
}

// Definition is the directed transition graph for one entity type.
type Definition struct {
	EntityType string
	Initial    string
	Edges      map[string][]Edge
}

// edge returns the edge from -> to if the graph allows it.
func (d Definition) edge(from, to string) (Edge, bool) {
	for _, e := range d.Edges[from] {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// terminal reports whether the state has no outgoing edges.
func (d Definition) terminal(state string) bool {
	return len(d.Edges[state]) == 0
}

// StateStore persists a state transition with a compare-and-swap on
// (state, version). Implementations return false when no row matched, which
// the engine surfaces as a StaleStateError.
type StateStore interface {
	UpdateState(ctx context.Context, tx *sql.Tx, ref Ref, fromState, toState string, version int) (bool, error)
}

// InvalidTransitionError is returned when the transition graph has no edge
// between the requested states.
type InvalidTransitionError struct {
	EntityType string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.EntityType, e.From, e.To)
}

// StaleStateError is returned when the entity's current state no longer
// matches the expected state. Callers may re-read and retry.
type StaleStateError struct {
	EntityType string
	EntityID   string
	Expected   string
	Actual     string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state on %s/%s: expected %q, found %q",
		e.EntityType, e.EntityID, e.Expected, e.Actual)
}

// RoleRequirementError is returned when the acting actor lacks the role the
// edge requires.
type RoleRequirementError struct {
	ActorID      string
	RequiredRole string
}

func (e *RoleRequirementError) Error() string {
	return fmt.Sprintf("actor %s lacks required role %q", e.ActorID, e.RequiredRole)
}
