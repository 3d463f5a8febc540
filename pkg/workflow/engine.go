package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/fiscora/fiscora/pkg/audit"
	log "github.com/sirupsen/logrus"
)

// Engine validates and executes state transitions for any registered entity
// type. Every executed transition persists the new state and its audit entry
// in one transaction; failed attempts are audited before the error propagates.
type Engine interface {
	CanTransition(entityType, from, to string) bool
	IsTerminalState(entityType, state string) bool
	// Transition runs the full gate sequence in its own transaction.
	Transition(ctx context.Context, subject Subject, expectedFrom, to, reason string) error
	// TransitionTx is Transition joining a caller-owned transaction, so
	// orchestration can roll back ledger movements and state changes together.
	TransitionTx(ctx context.Context, tx *sql.Tx, subject Subject, expectedFrom, to, reason string) error
}

type EngineImpl struct {
	db        *sql.DB
	auditRepo audit.Repo
	clock     utils.Clock

	mu          sync.RWMutex
	definitions map[string]Definition
	stores      map[string]StateStore
	guards      map[string]Guard
}

func NewEngine(db *sql.DB, auditRepo audit.Repo, clock utils.Clock) *EngineImpl {
	return &EngineImpl{
		db:          db,
		auditRepo:   auditRepo,
		clock:       clock,
		definitions: make(map[string]Definition),
		stores:      make(map[string]StateStore),
		guards:      make(map[string]Guard),
	}
}

// RegisterDefinition adds an entity type's transition graph and the store that
// persists its state. Registration happens at wiring time, before serving.
func (e *EngineImpl) RegisterDefinition(def Definition, store StateStore) error {
	if def.EntityType == "" {
		return fmt.Errorf("workflow definition has no entity type")
	}
	for from, edges := range def.Edges {
		for _, edge := range edges {
			if edge.To == "" {
				return fmt.Errorf("workflow %s: edge from %q has no target state", def.EntityType, from)
			}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.EntityType]; exists {
		return fmt.Errorf("workflow definition for %q already registered", def.EntityType)
	}
	e.definitions[def.EntityType] = def
	e.stores[def.EntityType] = store
	return nil
}

// RegisterGuard binds a named governance precondition usable from edges.
func (e *EngineImpl) RegisterGuard(name string, g Guard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards[name] = g
}

func (e *EngineImpl) CanTransition(entityType, from, to string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[entityType]
	if !ok {
		return false
	}
	_, ok = def.edge(from, to)
	return ok
}

func (e *EngineImpl) IsTerminalState(entityType, state string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[entityType]
	if !ok {
		return false
	}
	return def.terminal(state)
}

func (e *EngineImpl) Transition(ctx context.Context, subject Subject, expectedFrom, to, reason string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := e.TransitionTx(ctx, tx, subject, expectedFrom, to, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return e.fail(ctx, subject.Ref(), fmt.Errorf("could not commit transaction: %w", err))
	}
	return nil
}

func (e *EngineImpl) TransitionTx(ctx context.Context, tx *sql.Tx, subject Subject, expectedFrom, to, reason string) error {
	ref := subject.Ref()

	e.mu.RLock()
	def, defOK := e.definitions[ref.EntityType]
	store := e.stores[ref.EntityType]
	e.mu.RUnlock()
	if !defOK {
		return e.fail(ctx, ref, fmt.Errorf("no workflow definition for entity type %q", ref.EntityType))
	}

	// Optimistic concurrency: the caller states which state it believes the
	// entity is in; a mismatch means someone else moved it first.
	if subject.State() != expectedFrom {
		return e.fail(ctx, ref, &StaleStateError{
			EntityType: ref.EntityType,
			EntityID:   ref.EntityID,
			Expected:   expectedFrom,
			Actual:     subject.State(),
		})
	}

	edge, ok := def.edge(expectedFrom, to)
	if !ok {
		return e.fail(ctx, ref, &InvalidTransitionError{EntityType: ref.EntityType, From: expectedFrom, To: to})
	}

	if edge.RequiredRole != "" {
		a, err := actor.Current(ctx)
		if err != nil {
			return e.fail(ctx, ref, fmt.Errorf("failed to get current actor: %w", err))
		}
		if !a.HasRole(edge.RequiredRole) {
			return e.fail(ctx, ref, &RoleRequirementError{ActorID: a.ID, RequiredRole: edge.RequiredRole})
		}
	}

	if edge.Guard != "" {
		e.mu.RLock()
		guard, guardOK := e.guards[edge.Guard]
		e.mu.RUnlock()
		if !guardOK {
			return e.fail(ctx, ref, fmt.Errorf("workflow %s: guard %q is not registered", ref.EntityType, edge.Guard))
		}
		// Guard failures surface unchanged so callers can distinguish the
		// underlying governance error.
		if err := guard(ctx, subject); err != nil {
			return e.fail(ctx, ref, err)
		}
	}

	updated, err := store.UpdateState(ctx, tx, ref, expectedFrom, to, subject.Version())
	if err != nil {
		return e.fail(ctx, ref, err)
	}
	if !updated {
		return e.fail(ctx, ref, &StaleStateError{
			EntityType: ref.EntityType,
			EntityID:   ref.EntityID,
			Expected:   expectedFrom,
			Actual:     "unknown",
		})
	}

	trail := audit.NewTrail(e.auditRepo.WithTx(tx), e.clock)
	if err := trail.RecordTransition(ctx, ref.EntityType, ref.EntityID, expectedFrom, to, reason); err != nil {
		return err
	}

	log.Debugf("transitioned %s/%s: %s -> %s", ref.EntityType, ref.EntityID, expectedFrom, to)
	return nil
}

// fail records a failed audit entry outside the caller's transaction so the
// trace survives the rollback, then returns the error untouched.
func (e *EngineImpl) fail(ctx context.Context, ref Ref, cause error) error {
	trail := audit.NewTrail(e.auditRepo, e.clock)
	if auditErr := trail.RecordFailure(ctx, audit.ActionTransitioned, ref.EntityType, ref.EntityID, cause); auditErr != nil {
		log.Errorf("failed to audit transition failure: %v", auditErr)
	}
	return cause
}
