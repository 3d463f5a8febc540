package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LineStatus string

const (
	LineStatusOpen   LineStatus = "open"
	LineStatusClosed LineStatus = "closed"
)

// BudgetLine is a single allocation for a cost center in a fiscal period.
// It is mutated only through ledger operations and becomes immutable once the
// fiscal period is closed.
type BudgetLine struct {
	ID           string
	FiscalPeriod string
	CostCenter   string
	Allocated    decimal.Decimal
	Committed    decimal.Decimal
	Spent        decimal.Decimal
	// OverrunOverride permits available to go negative. Off by default.
	OverrunOverride bool
	Status          LineStatus
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available is the uncommitted, unspent remainder of the allocation.
func (l BudgetLine) Available() decimal.Decimal {
	return l.Allocated.Sub(l.Committed).Sub(l.Spent)
}

// Utilization is (committed + spent) / allocated as a percentage, rounded to
// 2 decimal places. Zero allocation yields zero utilization.
func (l BudgetLine) Utilization() decimal.Decimal {
	if l.Allocated.IsZero() {
		return decimal.Zero
	}
	return l.Committed.Add(l.Spent).Div(l.Allocated).Mul(decimal.NewFromInt(100)).Round(2)
}

type TransactionType string

const (
	TransactionCommitment   TransactionType = "commitment"
	TransactionUncommitment TransactionType = "uncommitment"
	TransactionExpenditure  TransactionType = "expenditure"
)

// BudgetTransaction is one immutable ledger entry. One row per ledger
// operation; never updated.
type BudgetTransaction struct {
	ID           string
	BudgetLineID string
	Type         TransactionType
	Amount       decimal.Decimal
	EntityType   string
	EntityID     string
	BalanceAfter decimal.Decimal
	ActorID      string
	CreatedAt    time.Time
}

var (
	ErrLineNotFound = errors.New("budget line not found")
	ErrLineClosed   = errors.New("budget line is closed")
	// ErrContention surfaces after bounded retries on concurrent line updates.
	ErrContention = errors.New("budget line update contention")
)

// InsufficientBudgetError is the expected rejection when a commitment would
// exceed the available balance.
type InsufficientBudgetError struct {
	LineID    string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on line %s: required %s, available %s",
		e.LineID, e.Required, e.Available)
}
