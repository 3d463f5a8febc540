package event_bus

const (
	EventBudgetCommitted    EventType = "budget.committed"
	EventFiscalPeriodClosed EventType = "budget.period_closed"
	EventGRNApproved        EventType = "grn.approved"
	EventGRNRejected        EventType = "grn.rejected"
)

// BudgetCommitted is emitted after funds are reserved against a budget line.
// Amounts travel as decimal strings to keep payloads serialization-friendly.
type BudgetCommitted struct {
	BudgetLineID string
	Amount       string
	EntityType   string
	EntityID     string
}

// FiscalPeriodClosed is emitted when a budget line is frozen at period end.
type FiscalPeriodClosed struct {
	BudgetLineID string
	FiscalPeriod string
	Utilization  string
}

// GRNApproved is emitted after a goods received note clears approval and its
// budget commitment is in place.
type GRNApproved struct {
	GRNID        string
	BudgetLineID string
	Amount       string
	ApprovedBy   string
}

// GRNRejected is emitted when a goods received note is rejected at any gate.
type GRNRejected struct {
	GRNID  string
	Reason string
}
