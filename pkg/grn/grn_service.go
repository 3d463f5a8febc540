package grn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/fiscora/fiscora/pkg/governance"
	"github.com/fiscora/fiscora/pkg/ledger"
	"github.com/fiscora/fiscora/pkg/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Service drives a goods received note through its lifecycle. Money-moving
// transitions (approval, acceptance, rejection after approval) run the workflow
// step and the ledger movement inside one database transaction so neither can
// land without the other.
type Service interface {
	Create(ctx context.Context, g GRN) (GRN, error)
	GetByID(ctx context.Context, id string) (GRN, error)
	List(ctx context.Context) ([]GRN, error)
	Submit(ctx context.Context, id string) (GRN, error)
	StartInspection(ctx context.Context, id string) (GRN, error)
	// RecordInspection moves the note to inspection_passed or rejected. The
	// inspector must differ from the creator.
	RecordInspection(ctx context.Context, id string, passed bool, notes string) (GRN, error)
	// Approve commits the PO amount against the budget line and advances the
	// note, after segregation-of-duties, approver-role, quote, and three-way
	// match checks.
	Approve(ctx context.Context, id string) (GRN, error)
	// Accept consumes the commitment into actual spend for the received amount.
	Accept(ctx context.Context, id string) (GRN, error)
	// RejectAcceptance releases the commitment and terminates the note.
	RejectAcceptance(ctx context.Context, id string, reason string) (GRN, error)
	Complete(ctx context.Context, id string) (GRN, error)
}

type ServiceImpl struct {
	db        *sql.DB
	repo      Repo
	engine    workflow.Engine
	rules     governance.Rules
	ledger    ledger.Ledger
	auditRepo audit.Repo
	bus       *event_bus.EventBus
	clock     utils.Clock
	tolerance decimal.Decimal
}

func NewService(
	db *sql.DB,
	repo Repo,
	engine workflow.Engine,
	rules governance.Rules,
	ldg ledger.Ledger,
	auditRepo audit.Repo,
	bus *event_bus.EventBus,
	clock utils.Clock,
	tolerancePercent decimal.Decimal,
) *ServiceImpl {
	return &ServiceImpl{
		db:        db,
		repo:      repo,
		engine:    engine,
		rules:     rules,
		ledger:    ldg,
		auditRepo: auditRepo,
		bus:       bus,
		clock:     clock,
		tolerance: tolerancePercent,
	}
}

func (s *ServiceImpl) Create(ctx context.Context, g GRN) (GRN, error) {
	a, err := actor.Current(ctx)
	if err != nil {
		return GRN{}, fmt.Errorf("failed to get current actor: %w", err)
	}
	if g.Reference == "" {
		return GRN{}, fmt.Errorf("goods received note requires a reference")
	}
	if g.BudgetLineID == "" {
		return GRN{}, fmt.Errorf("goods received note requires a budget line")
	}
	if g.POAmount.IsNegative() || g.ReceivedAmount.IsNegative() {
		return GRN{}, fmt.Errorf("goods received note amounts cannot be negative")
	}
	// The sourcing method must match the cash band the PO amount falls into.
	if err := s.rules.CheckSourcingMethod(ctx, g.POAmount, g.SourcingMethod); err != nil {
		return GRN{}, err
	}
	// Verify the budget line exists up front rather than failing at approval.
	if _, err := s.ledger.GetLine(ctx, g.BudgetLineID); err != nil {
		return GRN{}, err
	}

	g.ID = uuid.NewString()
	g.CreatedBy = a.ID
	g.InspectedBy = ""
	g.ApprovedBy = ""
	g.WorkflowState = StateDraft
	g.StateVersion = 1
	g.CreatedAt = s.clock.Now()
	g.UpdatedAt = g.CreatedAt

	if err := s.repo.Create(ctx, g); err != nil {
		return GRN{}, err
	}
	trail := audit.NewTrail(s.auditRepo, s.clock)
	if err := trail.RecordCreation(ctx, EntityType, g.ID, map[string]any{
		"reference":      g.Reference,
		"supplier":       g.Supplier,
		"budgetLineId":   g.BudgetLineID,
		"poAmount":       g.POAmount.String(),
		"receivedAmount": g.ReceivedAmount.String(),
		"sourcingMethod": g.SourcingMethod,
		"quoteCount":     g.QuoteCount,
	}, "goods received note created"); err != nil {
		return GRN{}, err
	}
	return g, nil
}

func (s *ServiceImpl) GetByID(ctx context.Context, id string) (GRN, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ServiceImpl) List(ctx context.Context) ([]GRN, error) {
	return s.repo.List(ctx)
}

func (s *ServiceImpl) Submit(ctx context.Context, id string) (GRN, error) {
	return s.simpleTransition(ctx, id, StateDraft, StateSubmitted, "submitted for receipt processing")
}

func (s *ServiceImpl) StartInspection(ctx context.Context, id string) (GRN, error) {
	return s.simpleTransition(ctx, id, StateSubmitted, StateInspectionPending, "queued for inspection")
}

func (s *ServiceImpl) RecordInspection(ctx context.Context, id string, passed bool, notes string) (GRN, error) {
	a, err := actor.Current(ctx)
	if err != nil {
		return GRN{}, fmt.Errorf("failed to get current actor: %w", err)
	}
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return GRN{}, err
	}
	if err := s.rules.EnforceSegregationOfDuties(ctx, a.ID, ActionInspected, &g, []string{ActionCreated}); err != nil {
		return GRN{}, err
	}

	to := StateInspectionPassed
	reason := "inspection passed"
	if !passed {
		to = StateRejected
		reason = "inspection failed"
	}
	if notes != "" {
		reason = fmt.Sprintf("%s: %s", reason, notes)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GRN{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.engine.TransitionTx(ctx, tx, &g, StateInspectionPending, to, reason); err != nil {
		return GRN{}, err
	}
	if err := s.repo.WithTx(tx).SetInspector(ctx, g.ID, a.ID, s.clock.Now()); err != nil {
		return GRN{}, err
	}
	if err := tx.Commit(); err != nil {
		return GRN{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	if !passed {
		s.publishRejection(ctx, g.ID, reason)
	}

	g.InspectedBy = a.ID
	g.WorkflowState = to
	g.StateVersion++
	return g, nil
}

func (s *ServiceImpl) Approve(ctx context.Context, id string) (GRN, error) {
	a, err := actor.Current(ctx)
	if err != nil {
		return GRN{}, fmt.Errorf("failed to get current actor: %w", err)
	}
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return GRN{}, err
	}
	if err := s.rules.EnforceSegregationOfDuties(ctx, a.ID, ActionApproved, &g, []string{ActionCreated, ActionInspected}); err != nil {
		return GRN{}, err
	}
	if err := s.checkApproverRole(a, g.POAmount); err != nil {
		return GRN{}, err
	}
	match, err := s.rules.ValidateThreeWayMatch(ctx, EntityType, g.ID, g.POAmount, g.ReceivedAmount, s.tolerance)
	if err != nil {
		return GRN{}, err
	}
	if !match.Passed {
		return GRN{}, &governance.ThreeWayMatchError{
			VariancePercent:  match.VariancePercent,
			TolerancePercent: s.tolerance,
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GRN{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Commitment first, transition second: an insufficient budget aborts the
	// whole approval without moving the workflow.
	if _, err := s.ledger.CommitInTx(ctx, tx, g.BudgetLineID, g.POAmount, EntityType, g.ID); err != nil {
		return GRN{}, err
	}
	if err := s.engine.TransitionTx(ctx, tx, &g, StateInspectionPassed, StateApproved, "approved for payment"); err != nil {
		return GRN{}, err
	}
	if err := s.repo.WithTx(tx).SetApprover(ctx, g.ID, a.ID, s.clock.Now()); err != nil {
		return GRN{}, err
	}
	if err := tx.Commit(); err != nil {
		return GRN{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	if err := s.bus.Publish(event_bus.NewEvent(ctx, event_bus.EventGRNApproved, event_bus.GRNApproved{
		GRNID:        g.ID,
		BudgetLineID: g.BudgetLineID,
		Amount:       g.POAmount.String(),
		ApprovedBy:   a.ID,
	})); err != nil {
		log.Errorf("failed to publish approval event for %s: %v", g.ID, err)
	}

	g.ApprovedBy = a.ID
	g.WorkflowState = StateApproved
	g.StateVersion++
	return g, nil
}

func (s *ServiceImpl) Accept(ctx context.Context, id string) (GRN, error) {
	a, err := actor.Current(ctx)
	if err != nil {
		return GRN{}, fmt.Errorf("failed to get current actor: %w", err)
	}
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return GRN{}, err
	}
	if err := s.rules.EnforceSegregationOfDuties(ctx, a.ID, "accepted", &g, []string{ActionCreated}); err != nil {
		return GRN{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GRN{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.ledger.SpendInTx(ctx, tx, g.BudgetLineID, g.ReceivedAmount, EntityType, g.ID); err != nil {
		return GRN{}, err
	}
	// The commitment was made for the PO amount; release the remainder when the
	// received goods came in under it.
	if leftover := g.POAmount.Sub(g.ReceivedAmount); leftover.IsPositive() {
		if _, err := s.ledger.ReleaseInTx(ctx, tx, g.BudgetLineID, leftover, EntityType, g.ID); err != nil {
			return GRN{}, err
		}
	}
	if err := s.engine.TransitionTx(ctx, tx, &g, StateApproved, StateAccepted, "goods accepted"); err != nil {
		return GRN{}, err
	}
	if err := tx.Commit(); err != nil {
		return GRN{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	g.WorkflowState = StateAccepted
	g.StateVersion++
	return g, nil
}

func (s *ServiceImpl) RejectAcceptance(ctx context.Context, id string, reason string) (GRN, error) {
	a, err := actor.Current(ctx)
	if err != nil {
		return GRN{}, fmt.Errorf("failed to get current actor: %w", err)
	}
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return GRN{}, err
	}
	if err := s.rules.EnforceSegregationOfDuties(ctx, a.ID, "acceptance_rejected", &g, []string{ActionCreated}); err != nil {
		return GRN{}, err
	}
	if reason == "" {
		reason = "acceptance rejected"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GRN{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.ledger.ReleaseInTx(ctx, tx, g.BudgetLineID, g.POAmount, EntityType, g.ID); err != nil {
		return GRN{}, err
	}
	if err := s.engine.TransitionTx(ctx, tx, &g, StateApproved, StateAcceptanceRejected, reason); err != nil {
		return GRN{}, err
	}
	if err := tx.Commit(); err != nil {
		return GRN{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	s.publishRejection(ctx, g.ID, reason)

	g.WorkflowState = StateAcceptanceRejected
	g.StateVersion++
	return g, nil
}

func (s *ServiceImpl) Complete(ctx context.Context, id string) (GRN, error) {
	return s.simpleTransition(ctx, id, StateAccepted, StateCompleted, "receipt completed")
}

func (s *ServiceImpl) simpleTransition(ctx context.Context, id, from, to, reason string) (GRN, error) {
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return GRN{}, err
	}
	if err := s.engine.Transition(ctx, &g, from, to, reason); err != nil {
		return GRN{}, err
	}
	g.WorkflowState = to
	g.StateVersion++
	return g, nil
}

func (s *ServiceImpl) checkApproverRole(a actor.Actor, amount decimal.Decimal) error {
	roles, err := s.rules.RequiredApprovers(amount)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if a.HasRole(role) {
			return nil
		}
	}
	return &workflow.RoleRequirementError{ActorID: a.ID, RequiredRole: fmt.Sprintf("one of %v", roles)}
}

func (s *ServiceImpl) publishRejection(ctx context.Context, grnID, reason string) {
	if err := s.bus.Publish(event_bus.NewEvent(ctx, event_bus.EventGRNRejected, event_bus.GRNRejected{
		GRNID:  grnID,
		Reason: reason,
	})); err != nil {
		log.Errorf("failed to publish rejection event for %s: %v", grnID, err)
	}
}
