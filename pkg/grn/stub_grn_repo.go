package grn

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiscora/fiscora/pkg/workflow"
)

// StubRepo is an in-memory Repo used in tests.
type StubRepo struct {
	Notes map[string]GRN
}

func NewStubRepo() *StubRepo {
	return &StubRepo{Notes: make(map[string]GRN)}
}

func (r *StubRepo) Cleanup() {
	r.Notes = make(map[string]GRN)
}

func (r *StubRepo) WithTx(tx *sql.Tx) Repo {
	return r
}

func (r *StubRepo) Create(ctx context.Context, g GRN) error {
	r.Notes[g.ID] = g
	return nil
}

func (r *StubRepo) GetByID(ctx context.Context, id string) (GRN, error) {
	g, ok := r.Notes[id]
	if !ok {
		return GRN{}, ErrNotFound
	}
	return g, nil
}

func (r *StubRepo) List(ctx context.Context) ([]GRN, error) {
	notes := make([]GRN, 0, len(r.Notes))
	for _, g := range r.Notes {
		notes = append(notes, g)
	}
	return notes, nil
}

func (r *StubRepo) SetInspector(ctx context.Context, id, actorID string, at time.Time) error {
	g, ok := r.Notes[id]
	if !ok {
		return ErrNotFound
	}
	g.InspectedBy = actorID
	g.UpdatedAt = at
	r.Notes[id] = g
	return nil
}

func (r *StubRepo) SetApprover(ctx context.Context, id, actorID string, at time.Time) error {
	g, ok := r.Notes[id]
	if !ok {
		return ErrNotFound
	}
	g.ApprovedBy = actorID
	g.UpdatedAt = at
	r.Notes[id] = g
	return nil
}

func (r *StubRepo) UpdateState(ctx context.Context, tx *sql.Tx, ref workflow.Ref, fromState, toState string, version int) (bool, error) {
	g, ok := r.Notes[ref.EntityID]
	if !ok {
		return false, nil
	}
	if g.WorkflowState != fromState || g.StateVersion != version {
		return false, nil
	}
	g.WorkflowState = toState
	g.StateVersion++
	r.Notes[ref.EntityID] = g
	return true, nil
}
