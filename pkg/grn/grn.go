package grn

import (
	"context"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/pkg/governance"
	"github.com/fiscora/fiscora/pkg/workflow"
	"github.com/shopspring/decimal"
)

const EntityType = "grn"

// Workflow states of a goods received note.
const (
	StateDraft              = "draft"
	StateSubmitted          = "submitted"
	StateInspectionPending  = "inspection_pending"
	StateInspectionPassed   = "inspection_passed"
	StateRejected           = "rejected"
	StateApproved           = "approved"
	StateAccepted           = "accepted"
	StateAcceptanceRejected = "acceptance_rejected"
	StateCompleted          = "completed"
)

// Actor-bearing actions, used for segregation-of-duties checks.
const (
	ActionCreated   = "created"
	ActionInspected = "inspected"
	ActionApproved  = "approved"
)

const GuardMinimumQuotes = "minimum_quotes_met"

// GRN records the physical receipt of ordered goods. The actor fields are
// explicit so segregation of duties can be enforced without attribute bags.
type GRN struct {
	ID             string
	Reference      string
	Supplier       string
	BudgetLineID   string
	POAmount       decimal.Decimal
	ReceivedAmount decimal.Decimal
	SourcingMethod string
	QuoteCount     int
	CreatedBy      string
	InspectedBy    string
	ApprovedBy     string
	WorkflowState  string
	StateVersion   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ref implements workflow.Subject.
func (g *GRN) Ref() workflow.Ref {
	return workflow.Ref{EntityType: EntityType, EntityID: g.ID}
}

func (g *GRN) State() string {
	return g.WorkflowState
}

func (g *GRN) Version() int {
	return g.StateVersion
}

// EntityRef implements governance.ActorRecord.
func (g *GRN) EntityRef() (string, string) {
	return EntityType, g.ID
}

// ActorForAction implements governance.ActorRecord.
func (g *GRN) ActorForAction(action string) (string, bool) {
	switch action {
	case ActionCreated:
		return g.CreatedBy, g.CreatedBy != ""
	case ActionInspected:
		return g.InspectedBy, g.InspectedBy != ""
	case ActionApproved:
		return g.ApprovedBy, g.ApprovedBy != ""
	}
	return "", false
}

// WorkflowDefinition is the GRN transition graph. Only approved may move to
// accepted; rejected, acceptance_rejected, and completed are terminal.
func WorkflowDefinition() workflow.Definition {
	return workflow.Definition{
		EntityType: EntityType,
		Initial:    StateDraft,
		Edges: map[string][]workflow.Edge{
			StateDraft: {
				{To: StateSubmitted},
			},
			StateSubmitted: {
				{To: StateInspectionPending},
			},
			StateInspectionPending: {
				{To: StateInspectionPassed, RequiredRole: "inspector"},
				{To: StateRejected, RequiredRole: "inspector"},
			},
			StateInspectionPassed: {
				{To: StateApproved, Guard: GuardMinimumQuotes},
			},
			StateApproved: {
				{To: StateAccepted},
				{To: StateAcceptanceRejected},
			},
			StateAccepted: {
				{To: StateCompleted},
			},
		},
	}
}

// MinimumQuotesGuard enforces the cash-band quote requirement on approval.
func MinimumQuotesGuard(rules governance.Rules) workflow.Guard {
	return func(ctx context.Context, subject workflow.Subject) error {
		g, ok := subject.(*GRN)
		if !ok {
			return fmt.Errorf("minimum quotes guard expects a GRN, got %T", subject)
		}
		band, err := rules.DetermineCashBand(g.POAmount)
		if err != nil {
			return err
		}
		if g.QuoteCount < band.MinimumQuotes {
			return &governance.QuoteRequirementError{
				Band:     band.Label,
				Required: band.MinimumQuotes,
				Provided: g.QuoteCount,
			}
		}
		return nil
	}
}
