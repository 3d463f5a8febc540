package governance

import (
	"errors"
	"fmt"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/shopspring/decimal"
)

// Band is one monetary range in the sourcing threshold table. Ranges are
// inclusive on both ends; the top band is open-ended.
type Band struct {
	Label          string
	Min            decimal.Decimal
	Max            decimal.Decimal
	Unbounded      bool
	SourcingMethod string
	MinimumQuotes  int
	ApproverRoles  []string
}

// Contains reports whether the amount falls inside this band.
func (b Band) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(b.Min) {
		return false
	}
	return b.Unbounded || amount.LessThanOrEqual(b.Max)
}

// BandTable is a validated, ascending, contiguous set of cash bands.
type BandTable struct {
	bands []Band
}

var ErrNoBandTable = errors.New("cash band table is empty")

// cent is the smallest representable amount step; bands must be contiguous at
// this precision.
var cent = decimal.New(1, -2)

// NewBandTable parses and validates the configured cash bands. Gaps, overlaps,
// a non-zero lowest bound, or a bounded top band are configuration defects and
// fail the load.
func NewBandTable(cfg []config.CashBand) (BandTable, error) {
	if len(cfg) == 0 {
		return BandTable{}, ErrNoBandTable
	}

	bands := make([]Band, 0, len(cfg))
	for _, c := range cfg {
		min, err := decimal.NewFromString(c.Min)
		if err != nil {
			return BandTable{}, fmt.Errorf("band %q: invalid min amount %q: %w", c.Label, c.Min, err)
		}
		band := Band{
			Label:          c.Label,
			Min:            min,
			SourcingMethod: c.SourcingMethod,
			MinimumQuotes:  c.MinimumQuotes,
			ApproverRoles:  c.ApproverRoles,
		}
		if c.Max == "" {
			band.Unbounded = true
		} else {
			max, err := decimal.NewFromString(c.Max)
			if err != nil {
				return BandTable{}, fmt.Errorf("band %q: invalid max amount %q: %w", c.Label, c.Max, err)
			}
			band.Max = max
		}
		bands = append(bands, band)
	}

	if !bands[0].Min.IsZero() {
		return BandTable{}, fmt.Errorf("lowest band %q must start at 0, starts at %s", bands[0].Label, bands[0].Min)
	}
	for i, band := range bands {
		last := i == len(bands)-1
		if band.Unbounded && !last {
			return BandTable{}, fmt.Errorf("band %q is unbounded but not the top band", band.Label)
		}
		if last {
			if !band.Unbounded {
				return BandTable{}, fmt.Errorf("top band %q must be open-ended", band.Label)
			}
			continue
		}
		if band.Max.LessThan(band.Min) {
			return BandTable{}, fmt.Errorf("band %q: max %s below min %s", band.Label, band.Max, band.Min)
		}
		next := bands[i+1]
		if !next.Min.Equal(band.Max.Add(cent)) {
			return BandTable{}, fmt.Errorf("bands %q and %q are not contiguous: %s -> %s", band.Label, next.Label, band.Max, next.Min)
		}
	}

	return BandTable{bands: bands}, nil
}

// Find returns the first band containing the amount, scanning in ascending order.
func (t BandTable) Find(amount decimal.Decimal) (Band, error) {
	if amount.IsNegative() {
		return Band{}, fmt.Errorf("amount %s is negative", amount)
	}
	for _, band := range t.bands {
		if band.Contains(amount) {
			return band, nil
		}
	}
	return Band{}, fmt.Errorf("no cash band covers amount %s", amount)
}

// Bands returns the validated bands in ascending order.
func (t BandTable) Bands() []Band {
	return t.bands
}

// ActorRecord exposes the recorded actor fields of an entity so segregation of
// duties can be checked without reflection or attribute bags.
type ActorRecord interface {
	EntityRef() (entityType string, entityID string)
	// ActorForAction returns the actor who performed the given action on this
	// entity, if any.
	ActorForAction(action string) (actorID string, ok bool)
}

// SegregationViolation is returned when one actor attempts two conflicting
// roles on the same entity.
type SegregationViolation struct {
	ActorID     string
	Action      string
	PriorAction string
	EntityType  string
	EntityID    string
}

func (e *SegregationViolation) Error() string {
	return fmt.Sprintf("segregation of duties violation: actor %s cannot perform %q on %s/%s after performing %q",
		e.ActorID, e.Action, e.EntityType, e.EntityID, e.PriorAction)
}

// ThresholdError is returned when a sourcing method does not satisfy the cash
// band the amount falls into.
type ThresholdError struct {
	Amount         decimal.Decimal
	Band           string
	RequiredMethod string
	ProvidedMethod string
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("amount %s falls in band %q requiring sourcing method %q, got %q",
		e.Amount, e.Band, e.RequiredMethod, e.ProvidedMethod)
}

// QuoteRequirementError is returned when fewer quotes were gathered than the
// cash band demands.
type QuoteRequirementError struct {
	Band     string
	Required int
	Provided int
}

func (e *QuoteRequirementError) Error() string {
	return fmt.Sprintf("band %q requires %d quotes, got %d", e.Band, e.Required, e.Provided)
}

// ThreeWayMatchError is returned by callers that gate on a failed match.
type ThreeWayMatchError struct {
	VariancePercent  decimal.Decimal
	TolerancePercent decimal.Decimal
}

func (e *ThreeWayMatchError) Error() string {
	return fmt.Sprintf("three-way match failed: variance %s%% exceeds tolerance %s%%",
		e.VariancePercent, e.TolerancePercent)
}

// MatchResult is the outcome of a three-way match validation.
type MatchResult struct {
	Passed          bool
	VariancePercent decimal.Decimal
}
