package jobs

import (
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// Task kinds handled by the worker.
const (
	KindSupplierNotification = "supplier_notification"
	KindAuditArchival        = "audit_archival"
)

// Task is one unit of deferred work. The idempotency key deduplicates
// enqueue attempts: publishing the same logical event twice yields one task.
type Task struct {
	ID             string
	Kind           string
	Payload        string
	IdempotencyKey string
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
	Status         TaskStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
