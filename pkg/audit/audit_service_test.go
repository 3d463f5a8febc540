package audit

import (
	"context"
	"testing"
	"time"

	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailRecord(t *testing.T) {
	ctx := actor.With(context.Background(), actor.Actor{ID: "actor-1", Name: "Alice"})
	now := time.Date(2025, time.March, 12, 10, 30, 0, 0, time.UTC)

	t.Run("fills in identity, actor, and timestamp", func(t *testing.T) {
		repo := NewStubRepo()
		trail := NewTrail(repo, &utils.MockClock{FixedNow: now})

		err := trail.Record(ctx, Event{
			Action:      ActionCreated,
			EntityType:  "purchase_order",
			EntityID:    "po-1",
			NewValues:   map[string]any{"amount": "1500.00"},
			Description: "purchase order created",
		})
		require.NoError(t, err)

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.NotEmpty(t, entry.ID)
		assert.Equal(t, "actor-1", entry.ActorID)
		assert.Equal(t, ActionCreated, entry.Action)
		assert.Equal(t, StatusSuccess, entry.Status)
		assert.Equal(t, now, entry.CreatedAt)
	})

	t.Run("fails without an actor in context", func(t *testing.T) {
		repo := NewStubRepo()
		trail := NewTrail(repo, &utils.MockClock{FixedNow: now})

		err := trail.Record(context.Background(), Event{
			Action:     ActionCreated,
			EntityType: "purchase_order",
			EntityID:   "po-1",
		})
		assert.Error(t, err)
		assert.Empty(t, repo.Entries)
	})

	t.Run("records failed compliance checks with failed status", func(t *testing.T) {
		repo := NewStubRepo()
		trail := NewTrail(repo, &utils.MockClock{FixedNow: now})

		err := trail.RecordComplianceCheck(ctx, "grn", "grn-1", "segregation_of_duties", false, map[string]any{
			"actorId": "actor-1",
		})
		require.NoError(t, err)

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.Equal(t, ActionComplianceCheck, entry.Action)
		assert.Equal(t, StatusFailed, entry.Status)
		assert.Equal(t, "segregation_of_duties", entry.Description)
	})

	t.Run("records transitions with old and new state", func(t *testing.T) {
		repo := NewStubRepo()
		trail := NewTrail(repo, &utils.MockClock{FixedNow: now})

		err := trail.RecordTransition(ctx, "grn", "grn-1", "draft", "submitted", "submitted for processing")
		require.NoError(t, err)

		entry, ok := repo.LastEntry()
		require.True(t, ok)
		assert.Equal(t, map[string]any{"state": "draft"}, entry.OldValues)
		assert.Equal(t, map[string]any{"state": "submitted"}, entry.NewValues)
	})
}
