package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/pkg/audit"
	log "github.com/sirupsen/logrus"
)

// SupplierNotificationPayload tells the worker which approval to notify about.
type SupplierNotificationPayload struct {
	GRNID        string `json:"grnId"`
	BudgetLineID string `json:"budgetLineId"`
	Amount       string `json:"amount"`
}

// AuditArchivalPayload marks audit entries created before the cutoff for
// archival after a fiscal period closes.
type AuditArchivalPayload struct {
	Before string `json:"before"`
}

// auditRetention is how long audit entries stay unarchived after a period
// closes.
const auditRetention = 90 * 24 * time.Hour

// RegisterSubscribers turns domain events into background tasks. Events are
// published after the originating transaction commits, and the idempotency key
// absorbs duplicate publishes.
func RegisterSubscribers(bus *event_bus.EventBus, queue *Queue) {
	event_bus.SubscribeTyped(bus, event_bus.EventGRNApproved,
		func(e event_bus.EventT[event_bus.GRNApproved]) error {
			key := fmt.Sprintf("%s:%s", KindSupplierNotification, e.Data.GRNID)
			return queue.Enqueue(e.Context(), KindSupplierNotification, key, SupplierNotificationPayload{
				GRNID:        e.Data.GRNID,
				BudgetLineID: e.Data.BudgetLineID,
				Amount:       e.Data.Amount,
			})
		})

	event_bus.SubscribeTyped(bus, event_bus.EventFiscalPeriodClosed,
		func(e event_bus.EventT[event_bus.FiscalPeriodClosed]) error {
			key := fmt.Sprintf("%s:%s", KindAuditArchival, e.Data.BudgetLineID)
			cutoff := queue.clock.Now().Add(-auditRetention)
			return queue.Enqueue(e.Context(), KindAuditArchival, key, AuditArchivalPayload{
				Before: cutoff.UTC().Format(time.RFC3339Nano),
			})
		})
}

// NotifySupplierHandler is the delivery stand-in: downstream systems consume
// the structured log line until a real outbound channel exists.
func NotifySupplierHandler() HandlerFunc {
	return func(ctx context.Context, t Task) error {
		var payload SupplierNotificationPayload
		if err := json.Unmarshal([]byte(t.Payload), &payload); err != nil {
			return fmt.Errorf("could not unmarshal supplier notification payload: %w", err)
		}
		log.WithFields(log.Fields{
			"grnId":        payload.GRNID,
			"budgetLineId": payload.BudgetLineID,
			"amount":       payload.Amount,
		}).Info("supplier notified of approved goods receipt")
		return nil
	}
}

// ArchiveAuditHandler flags old audit entries as archived. Archival never
// mutates entry content; the storage layer enforces that.
func ArchiveAuditHandler(repo audit.Repo) HandlerFunc {
	return func(ctx context.Context, t Task) error {
		var payload AuditArchivalPayload
		if err := json.Unmarshal([]byte(t.Payload), &payload); err != nil {
			return fmt.Errorf("could not unmarshal audit archival payload: %w", err)
		}
		before, err := time.Parse(time.RFC3339Nano, payload.Before)
		if err != nil {
			return fmt.Errorf("could not parse archival cutoff: %w", err)
		}
		archived, err := repo.Archive(ctx, before)
		if err != nil {
			return err
		}
		log.Infof("archived %d audit entries older than %s", archived, payload.Before)
		return nil
	}
}
