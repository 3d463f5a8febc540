package governance

import (
	"context"
	"fmt"

	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Rules evaluates the governance rules every gated transition and ledger
// movement must pass. Band lookups are pure; the human-gated checks
// (segregation of duties, three-way match) audit their outcome.
type Rules interface {
	DetermineCashBand(amount decimal.Decimal) (Band, error)
	RequiredSourcingMethod(amount decimal.Decimal) (string, error)
	MinimumQuotes(amount decimal.Decimal) (int, error)
	RequiredApprovers(amount decimal.Decimal) ([]string, error)
	CheckSourcingMethod(ctx context.Context, amount decimal.Decimal, method string) error
	EnforceSegregationOfDuties(ctx context.Context, actorID, action string, record ActorRecord, disallowedPriorActions []string) error
	ValidateThreeWayMatch(ctx context.Context, entityType, entityID string, reference, comparison, tolerancePercent decimal.Decimal) (MatchResult, error)
}

type RulesImpl struct {
	bands BandTable
	trail audit.Trail
}

func NewRules(bands BandTable, trail audit.Trail) *RulesImpl {
	return &RulesImpl{bands: bands, trail: trail}
}

func (r *RulesImpl) DetermineCashBand(amount decimal.Decimal) (Band, error) {
	return r.bands.Find(amount)
}

func (r *RulesImpl) RequiredSourcingMethod(amount decimal.Decimal) (string, error) {
	band, err := r.bands.Find(amount)
	if err != nil {
		return "", err
	}
	return band.SourcingMethod, nil
}

func (r *RulesImpl) MinimumQuotes(amount decimal.Decimal) (int, error) {
	band, err := r.bands.Find(amount)
	if err != nil {
		return 0, err
	}
	return band.MinimumQuotes, nil
}

func (r *RulesImpl) RequiredApprovers(amount decimal.Decimal) ([]string, error) {
	band, err := r.bands.Find(amount)
	if err != nil {
		return nil, err
	}
	return band.ApproverRoles, nil
}

func (r *RulesImpl) CheckSourcingMethod(ctx context.Context, amount decimal.Decimal, method string) error {
	band, err := r.bands.Find(amount)
	if err != nil {
		return err
	}
	if band.SourcingMethod != method {
		return &ThresholdError{
			Amount:         amount,
			Band:           band.Label,
			RequiredMethod: band.SourcingMethod,
			ProvidedMethod: method,
		}
	}
	return nil
}

// EnforceSegregationOfDuties rejects an actor who already performed one of the
// disallowed prior actions on the same entity. It must be re-checked at every
// human-gated transition, not only the final one.
func (r *RulesImpl) EnforceSegregationOfDuties(ctx context.Context, actorID, action string, record ActorRecord, disallowedPriorActions []string) error {
	entityType, entityID := record.EntityRef()
	for _, prior := range disallowedPriorActions {
		priorActor, ok := record.ActorForAction(prior)
		if !ok {
			continue
		}
		if priorActor == actorID {
			violation := &SegregationViolation{
				ActorID:     actorID,
				Action:      action,
				PriorAction: prior,
				EntityType:  entityType,
				EntityID:    entityID,
			}
			log.Warnf("segregation of duties violation on %s/%s: %v", entityType, entityID, violation)
			if err := r.trail.RecordComplianceCheck(ctx, entityType, entityID, "segregation_of_duties", false, map[string]any{
				"actorId":     actorID,
				"action":      action,
				"priorAction": prior,
			}); err != nil {
				return fmt.Errorf("failed to audit segregation check: %w", err)
			}
			return violation
		}
	}
	if err := r.trail.RecordComplianceCheck(ctx, entityType, entityID, "segregation_of_duties", true, map[string]any{
		"actorId": actorID,
		"action":  action,
	}); err != nil {
		return fmt.Errorf("failed to audit segregation check: %w", err)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// ValidateThreeWayMatch compares a reference amount against a comparison amount
// and reports whether the variance stays within the tolerance. A zero reference
// amount cannot anchor a comparison and fails the match outright.
func (r *RulesImpl) ValidateThreeWayMatch(ctx context.Context, entityType, entityID string, reference, comparison, tolerancePercent decimal.Decimal) (MatchResult, error) {
	var result MatchResult
	if reference.IsZero() {
		result = MatchResult{Passed: false, VariancePercent: hundred}
	} else {
		variance := reference.Sub(comparison).Abs().Div(reference).Mul(hundred).Round(4)
		result = MatchResult{
			Passed:          variance.LessThanOrEqual(tolerancePercent),
			VariancePercent: variance,
		}
	}

	if err := r.trail.RecordComplianceCheck(ctx, entityType, entityID, "three_way_match", result.Passed, map[string]any{
		"referenceAmount":  reference.String(),
		"comparisonAmount": comparison.String(),
		"variancePercent":  result.VariancePercent.String(),
		"tolerancePercent": tolerancePercent.String(),
	}); err != nil {
		return MatchResult{}, fmt.Errorf("failed to audit three-way match: %w", err)
	}
	return result, nil
}
