package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/internal/test_utils"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RepoImpl, *Queue, *utils.MockClock) {
	t.Helper()
	db := test_utils.SetupTestDB(t)
	repo := NewRepo(db)
	clock := &utils.MockClock{FixedNow: time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)}
	return repo, NewQueue(repo, clock), clock
}

func TestEnqueueIdempotency(t *testing.T) {
	repo, queue, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, KindSupplierNotification, "supplier_notification:grn-1", SupplierNotificationPayload{GRNID: "grn-1"}))
	// Same key again: silently absorbed.
	require.NoError(t, queue.Enqueue(ctx, KindSupplierNotification, "supplier_notification:grn-1", SupplierNotificationPayload{GRNID: "grn-1"}))

	task, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, KindSupplierNotification, task.Kind)

	_, claimed, err = repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed, "duplicate enqueue must not create a second task")
}

func TestClaimDueSkipsFutureTasks(t *testing.T) {
	repo, _, clock := newTestQueue(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, enqueueAt(ctx, repo, "later", now.Add(time.Hour)))

	_, claimed, err := repo.ClaimDue(ctx, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	task, claimed, err := repo.ClaimDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, StatusRunning, task.Status)
}

func enqueueAt(ctx context.Context, repo Repo, key string, runAt time.Time) error {
	_, err := repo.Enqueue(ctx, Task{
		ID:             uuid.NewString(),
		Kind:           KindSupplierNotification,
		Payload:        `{"grnId":"grn-1"}`,
		IdempotencyKey: key,
		MaxAttempts:    3,
		NextRunAt:      runAt,
		Status:         StatusPending,
		CreatedAt:      runAt,
	})
	return err
}

func TestWorkerExecutesDueTasks(t *testing.T) {
	repo, queue, clock := newTestQueue(t)
	ctx := context.Background()

	var handled []string
	worker := NewWorker(repo, clock, config.Worker{PollIntervalSeconds: 1, Concurrency: 1})
	worker.RegisterHandler(KindSupplierNotification, func(ctx context.Context, task Task) error {
		handled = append(handled, task.IdempotencyKey)
		return nil
	})

	require.NoError(t, queue.Enqueue(ctx, KindSupplierNotification, "key-1", SupplierNotificationPayload{GRNID: "grn-1"}))
	require.NoError(t, queue.Enqueue(ctx, KindSupplierNotification, "key-2", SupplierNotificationPayload{GRNID: "grn-2"}))

	worker.drain(ctx)

	assert.ElementsMatch(t, []string{"key-1", "key-2"}, handled)
	_, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed, "queue should be drained")
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	repo, queue, clock := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(repo, clock, config.Worker{PollIntervalSeconds: 1, Concurrency: 1})
	worker.RegisterHandler(KindSupplierNotification, func(ctx context.Context, task Task) error {
		return errors.New("downstream unavailable")
	})

	require.NoError(t, queue.Enqueue(ctx, KindSupplierNotification, "key-1", SupplierNotificationPayload{GRNID: "grn-1"}))

	worker.drain(ctx)

	// First failure: rescheduled with backoff, not failed yet.
	_, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed, "task should be scheduled in the future")

	task, claimed, err := repo.ClaimDue(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.LastError, "downstream unavailable")
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	repo, _, clock := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(repo, clock, config.Worker{PollIntervalSeconds: 1, Concurrency: 1})
	worker.RegisterHandler(KindSupplierNotification, func(ctx context.Context, task Task) error {
		return errors.New("still broken")
	})

	require.NoError(t, enqueueAt(ctx, repo, "key-1", clock.Now()))

	// One attempt allowed per drain; move the clock past each backoff.
	for i := 0; i < 3; i++ {
		worker.drain(ctx)
		clock.SetNow(clock.Now().Add(time.Hour))
	}

	_, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	stored, err := repo.GetByID(ctx, mustTaskID(t, ctx, repo))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

// mustTaskID fetches the single task in the table.
func mustTaskID(t *testing.T, ctx context.Context, repo *RepoImpl) string {
	t.Helper()
	row := repo.db.QueryRowContext(ctx, `SELECT id FROM background_task LIMIT 1`)
	var id string
	require.NoError(t, row.Scan(&id))
	return id
}

func TestWorkerHandlesUnknownKind(t *testing.T) {
	repo, _, clock := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(repo, clock, config.Worker{PollIntervalSeconds: 1, Concurrency: 1})
	require.NoError(t, enqueueAt(ctx, repo, "key-1", clock.Now()))

	worker.drain(ctx)

	stored, err := repo.GetByID(ctx, mustTaskID(t, ctx, repo))
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "no handler registered")
}

func TestSubscribersEnqueueTasks(t *testing.T) {
	repo, queue, clock := newTestQueue(t)
	ctx := context.Background()

	bus := event_bus.NewEventBus()
	RegisterSubscribers(bus, queue)

	event := event_bus.NewEvent(ctx, event_bus.EventGRNApproved, event_bus.GRNApproved{
		GRNID:        "grn-1",
		BudgetLineID: "line-1",
		Amount:       "100000",
		ApprovedBy:   "paula",
	})
	require.NoError(t, bus.Publish(event))
	// Replayed event is absorbed by the idempotency key.
	require.NoError(t, bus.Publish(event))

	task, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, KindSupplierNotification, task.Kind)
	assert.Contains(t, task.Payload, "grn-1")

	_, claimed, err = repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestArchivalCutoffComesFromClock(t *testing.T) {
	repo, queue, clock := newTestQueue(t)
	ctx := context.Background()

	bus := event_bus.NewEventBus()
	RegisterSubscribers(bus, queue)

	require.NoError(t, bus.Publish(event_bus.NewEvent(ctx, event_bus.EventFiscalPeriodClosed, event_bus.FiscalPeriodClosed{
		BudgetLineID: "line-1",
		FiscalPeriod: "2025",
		Utilization:  "25",
	})))

	task, claimed, err := repo.ClaimDue(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, KindAuditArchival, task.Kind)

	var payload AuditArchivalPayload
	require.NoError(t, json.Unmarshal([]byte(task.Payload), &payload))
	want := clock.Now().Add(-auditRetention).UTC().Format(time.RFC3339Nano)
	assert.Equal(t, want, payload.Before)
}

func TestArchiveAuditHandler(t *testing.T) {
	repo := audit.NewStubRepo()
	now := time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)
	repo.Entries = []audit.Entry{
		{ID: "old", CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{ID: "recent", CreatedAt: now.Add(-time.Hour)},
	}

	handler := ArchiveAuditHandler(repo)
	payload := `{"before":"` + now.Add(-90*24*time.Hour).Format(time.RFC3339Nano) + `"}`
	err := handler(context.Background(), Task{Payload: payload})
	require.NoError(t, err)

	assert.True(t, repo.Entries[0].Archived)
	assert.False(t, repo.Entries[1].Archived)
}
