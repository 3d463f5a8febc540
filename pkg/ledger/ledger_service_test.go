package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/internal/test_utils"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*LedgerImpl, *utils.MockClock, *event_bus.EventBus) {
	t.Helper()
	db := test_utils.SetupTestDB(t)
	bus := event_bus.NewEventBus()
	clock := &utils.MockClock{FixedNow: time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)}
	svc := NewLedger(db, NewLineRepo(db), NewTxRepo(db), audit.NewRepo(db), bus, clock)
	return svc, clock, bus
}

func mustCreateLine(t *testing.T, ctx context.Context, svc *LedgerImpl, allocated string, override bool) BudgetLine {
	t.Helper()
	line, err := svc.CreateLine(ctx, BudgetLine{
		FiscalPeriod:    "2025",
		CostCenter:      "IT-OPS",
		Allocated:       decimal.RequireFromString(allocated),
		OverrunOverride: override,
	})
	require.NoError(t, err)
	return line
}

func TestCommitAndRelease(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	btx, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.NoError(t, err)
	assert.Equal(t, TransactionCommitment, btx.Type)
	assert.True(t, btx.BalanceAfter.Equal(decimal.NewFromInt(60000)))

	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.Equal(decimal.NewFromInt(40000)))
	assert.True(t, got.Available().Equal(decimal.NewFromInt(60000)))

	_, err = svc.Release(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.NoError(t, err)

	got, err = svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.IsZero())
	assert.True(t, got.Available().Equal(decimal.NewFromInt(100000)))
}

func TestCommitInsufficientBudget(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(50000), "grn", "grn-1")
	require.NoError(t, err)

	_, err = svc.Commit(ctx, line.ID, decimal.NewFromInt(60000), "grn", "grn-2")
	var insufficient *InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(decimal.NewFromInt(60000)))
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(50000)))

	// The failed attempt left the line untouched and was audited.
	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.Equal(decimal.NewFromInt(50000)))

	entries, err := audit.NewRepo(svc.db).FindByEntity(ctx, "budget_line", line.ID)
	require.NoError(t, err)
	var failed bool
	for _, e := range entries {
		if e.Status == audit.StatusFailed && e.Action == audit.ActionCommitted {
			failed = true
		}
	}
	assert.True(t, failed, "expected a failed audit entry for the rejected commitment")
}

func TestCommitWithOverrunOverride(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "1000", true)

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(5000), "grn", "grn-1")
	require.NoError(t, err)

	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Available().IsNegative())
}

func TestSpendConsumesCommitment(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.NoError(t, err)
	_, err = svc.Spend(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.NoError(t, err)

	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.IsZero(), "commitment should be consumed, got %s", got.Committed)
	assert.True(t, got.Spent.Equal(decimal.NewFromInt(40000)))
	assert.True(t, got.Available().Equal(decimal.NewFromInt(60000)))
}

func TestSpendBeyondAvailable(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "1000", false)

	_, err := svc.Spend(ctx, line.ID, decimal.NewFromInt(2000), "grn", "grn-1")
	var insufficient *InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)

	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Spent.IsZero())
}

func TestOperationsRejectNonPositiveAmounts(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "1000", false)

	_, err := svc.Commit(ctx, line.ID, decimal.Zero, "grn", "grn-1")
	assert.Error(t, err)
	_, err = svc.Spend(ctx, line.ID, decimal.NewFromInt(-5), "grn", "grn-1")
	assert.Error(t, err)
}

func TestClosedLineRejectsOperations(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _, bus := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	var closedEvents []event_bus.FiscalPeriodClosed
	event_bus.SubscribeTyped(bus, event_bus.EventFiscalPeriodClosed,
		func(e event_bus.EventT[event_bus.FiscalPeriodClosed]) error {
			closedEvents = append(closedEvents, e.Data)
			return nil
		})

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(25000), "grn", "grn-1")
	require.NoError(t, err)

	closed, err := svc.CloseFiscalPeriod(ctx, line.ID)
	require.NoError(t, err)
	assert.Equal(t, LineStatusClosed, closed.Status)
	require.Len(t, closedEvents, 1)
	assert.Equal(t, "25", closedEvents[0].Utilization)

	_, err = svc.Commit(ctx, line.ID, decimal.NewFromInt(1), "grn", "grn-2")
	assert.ErrorIs(t, err, ErrLineClosed)

	_, err = svc.CloseFiscalPeriod(ctx, line.ID)
	assert.ErrorIs(t, err, ErrLineClosed)
}

// contentionLineRepo reports a moved version from UpdateAmounts a set number
// of times before delegating to the real repository, simulating concurrent
// writers racing on the same line.
type contentionLineRepo struct {
	inner     LineRepo
	remaining *int
}

func (r *contentionLineRepo) Create(ctx context.Context, line BudgetLine) error {
	return r.inner.Create(ctx, line)
}

func (r *contentionLineRepo) GetByID(ctx context.Context, id string) (BudgetLine, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *contentionLineRepo) List(ctx context.Context, fiscalPeriod string) ([]BudgetLine, error) {
	return r.inner.List(ctx, fiscalPeriod)
}

func (r *contentionLineRepo) UpdateAmounts(ctx context.Context, line BudgetLine) (bool, error) {
	if *r.remaining > 0 {
		*r.remaining--
		return false, nil
	}
	return r.inner.UpdateAmounts(ctx, line)
}

func (r *contentionLineRepo) Close(ctx context.Context, line BudgetLine) (bool, error) {
	return r.inner.Close(ctx, line)
}

func (r *contentionLineRepo) WithTx(tx *sql.Tx) LineRepo {
	return &contentionLineRepo{inner: r.inner.WithTx(tx), remaining: r.remaining}
}

func newContentionLedger(t *testing.T, contendedAttempts int) (*LedgerImpl, *int) {
	t.Helper()
	db := test_utils.SetupTestDB(t)
	clock := &utils.MockClock{FixedNow: time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)}
	remaining := contendedAttempts
	repo := &contentionLineRepo{inner: NewLineRepo(db), remaining: &remaining}
	svc := NewLedger(db, repo, NewTxRepo(db), audit.NewRepo(db), event_bus.NewEventBus(), clock)
	return svc, &remaining
}

func TestCommitRetriesOnContention(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, remaining := newContentionLedger(t, 2)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	btx, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.NoError(t, err)
	assert.True(t, btx.BalanceAfter.Equal(decimal.NewFromInt(60000)))
	assert.Equal(t, 0, *remaining, "both contended attempts should have been retried")

	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.Equal(decimal.NewFromInt(40000)))
}

func TestCommitSurfacesContentionWhenRetriesExhaust(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, _ := newContentionLedger(t, maxAttempts)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(40000), "grn", "grn-1")
	require.ErrorIs(t, err, ErrContention)

	// The line is untouched and the exhausted attempt was audited.
	got, err := svc.GetLine(ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, got.Committed.IsZero())

	entries, err := audit.NewRepo(svc.db).FindByEntity(ctx, "budget_line", line.ID)
	require.NoError(t, err)
	var failed bool
	for _, e := range entries {
		if e.Status == audit.StatusFailed && e.Action == audit.ActionCommitted {
			failed = true
		}
	}
	assert.True(t, failed, "expected a failed audit entry for the contended commitment")
}

func TestTransactionHistory(t *testing.T) {
	ctx := test_utils.WithTestActor(context.Background(), "alice")
	svc, clock, _ := newTestLedger(t)
	line := mustCreateLine(t, ctx, svc, "100000", false)

	_, err := svc.Commit(ctx, line.ID, decimal.NewFromInt(30000), "grn", "grn-1")
	require.NoError(t, err)
	clock.SetNow(clock.Now().Add(time.Minute))
	_, err = svc.Spend(ctx, line.ID, decimal.NewFromInt(30000), "grn", "grn-1")
	require.NoError(t, err)

	txs, err := svc.ListTransactions(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TransactionCommitment, txs[0].Type)
	assert.Equal(t, TransactionExpenditure, txs[1].Type)
	assert.Equal(t, "alice", txs[0].ActorID)
	assert.True(t, txs[1].BalanceAfter.Equal(decimal.NewFromInt(70000)))
}
