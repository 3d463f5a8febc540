package audit

import (
	"errors"
	"time"
)

// Status of the audited operation. Failed attempts are recorded with the same
// fidelity as successful ones.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ErrImmutableRecord is returned when something attempts to change or delete an
// existing audit entry. The storage layer enforces this with triggers; the only
// permitted mutation is flipping the archived flag.
var ErrImmutableRecord = errors.New("audit log entries are immutable")

// Entry is a single immutable audit record. Entries are append-only: once
// written they are never updated or deleted, only archived to cold storage.
type Entry struct {
	ID          string
	ActorID     string
	Action      string
	EntityType  string
	EntityID    string
	OldValues   map[string]any
	NewValues   map[string]any
	Description string
	Metadata    map[string]any
	Status      Status
	Archived    bool
	CreatedAt   time.Time
}

// Event is the caller-facing shape of something to record. The trail fills in
// identity, actor, and timestamp.
type Event struct {
	Action      string
	EntityType  string
	EntityID    string
	OldValues   map[string]any
	NewValues   map[string]any
	Description string
	Metadata    map[string]any
	Status      Status
}

// Common actions recorded by the engine.
const (
	ActionCreated         = "created"
	ActionTransitioned    = "transitioned"
	ActionCommitted       = "budget_committed"
	ActionReleased        = "budget_released"
	ActionSpent           = "budget_spent"
	ActionPeriodClosed    = "fiscal_period_closed"
	ActionComplianceCheck = "compliance_check"
	ActionArchived        = "archived"
)
