package audit

import (
	"context"
	"fmt"

	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Trail is the injected audit sink every governed component writes through.
// All convenience methods funnel into Record.
type Trail interface {
	Record(ctx context.Context, event Event) error
	RecordCreation(ctx context.Context, entityType, entityID string, newValues map[string]any, description string) error
	RecordTransition(ctx context.Context, entityType, entityID, fromState, toState, reason string) error
	RecordComplianceCheck(ctx context.Context, entityType, entityID, check string, passed bool, metadata map[string]any) error
	RecordFailure(ctx context.Context, action, entityType, entityID string, cause error) error
	EntityTrail(ctx context.Context, entityType, entityID string) ([]Entry, error)
}

type TrailImpl struct {
	repo  Repo
	clock utils.Clock
}

func NewTrail(repo Repo, clock utils.Clock) *TrailImpl {
	return &TrailImpl{repo: repo, clock: clock}
}

func (t *TrailImpl) Record(ctx context.Context, event Event) error {
	actorID, err := actor.CurrentId(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current actor: %w", err)
	}
	status := event.Status
	if status == "" {
		status = StatusSuccess
	}
	entry := Entry{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Action:      event.Action,
		EntityType:  event.EntityType,
		EntityID:    event.EntityID,
		OldValues:   event.OldValues,
		NewValues:   event.NewValues,
		Description: event.Description,
		Metadata:    event.Metadata,
		Status:      status,
		CreatedAt:   t.clock.Now(),
	}
	log.Debugf("recording audit entry: %s %s/%s by %s", entry.Action, entry.EntityType, entry.EntityID, entry.ActorID)
	return t.repo.Append(ctx, entry)
}

func (t *TrailImpl) RecordCreation(ctx context.Context, entityType, entityID string, newValues map[string]any, description string) error {
	return t.Record(ctx, Event{
		Action:      ActionCreated,
		EntityType:  entityType,
		EntityID:    entityID,
		NewValues:   newValues,
		Description: description,
	})
}

func (t *TrailImpl) RecordTransition(ctx context.Context, entityType, entityID, fromState, toState, reason string) error {
	return t.Record(ctx, Event{
		Action:      ActionTransitioned,
		EntityType:  entityType,
		EntityID:    entityID,
		OldValues:   map[string]any{"state": fromState},
		NewValues:   map[string]any{"state": toState},
		Description: reason,
	})
}

func (t *TrailImpl) RecordComplianceCheck(ctx context.Context, entityType, entityID, check string, passed bool, metadata map[string]any) error {
	status := StatusSuccess
	if !passed {
		status = StatusFailed
	}
	return t.Record(ctx, Event{
		Action:      ActionComplianceCheck,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: check,
		Metadata:    metadata,
		Status:      status,
	})
}

func (t *TrailImpl) RecordFailure(ctx context.Context, action, entityType, entityID string, cause error) error {
	return t.Record(ctx, Event{
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: cause.Error(),
		Status:      StatusFailed,
	})
}

func (t *TrailImpl) EntityTrail(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	return t.repo.FindByEntity(ctx, entityType, entityID)
}
