package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/event_bus"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/actor"
	"github.com/fiscora/fiscora/pkg/audit"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	// maxAttempts bounds retries on version contention before surfacing ErrContention.
	maxAttempts = 3
	backoffBase = 25 * time.Millisecond
)

// Ledger performs atomic commitment accounting on budget lines. Every
// operation runs in a single database transaction together with its
// BudgetTransaction row and audit entry. The InTx variants join a caller-owned
// transaction so workflow transitions and ledger movements roll back together.
type Ledger interface {
	CreateLine(ctx context.Context, line BudgetLine) (BudgetLine, error)
	GetLine(ctx context.Context, id string) (BudgetLine, error)
	ListLines(ctx context.Context, fiscalPeriod string) ([]BudgetLine, error)
	ListTransactions(ctx context.Context, lineID string) ([]BudgetTransaction, error)
	// Commit reserves funds against the line, rejecting with
	// *InsufficientBudgetError when the available balance is too small.
	Commit(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	// Release returns previously committed funds, clamped so committed never
	// goes negative. Used when a workflow moves backward after committing.
	Release(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	// Spend moves funds from committed to spent: committed is debited by up to
	// the spend amount while spent is credited, so commitments are consumed
	// rather than double-counted against available.
	Spend(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	CommitInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	ReleaseInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	SpendInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error)
	// CloseFiscalPeriod freezes the line. Subsequent ledger operations fail
	// with ErrLineClosed.
	CloseFiscalPeriod(ctx context.Context, lineID string) (BudgetLine, error)
}

type LedgerImpl struct {
	db        *sql.DB
	lines     LineRepo
	txs       TxRepo
	auditRepo audit.Repo
	bus       *event_bus.EventBus
	clock     utils.Clock
}

func NewLedger(db *sql.DB, lines LineRepo, txs TxRepo, auditRepo audit.Repo, bus *event_bus.EventBus, clock utils.Clock) *LedgerImpl {
	return &LedgerImpl{db: db, lines: lines, txs: txs, auditRepo: auditRepo, bus: bus, clock: clock}
}

func (s *LedgerImpl) CreateLine(ctx context.Context, line BudgetLine) (BudgetLine, error) {
	if line.Allocated.IsNegative() {
		return BudgetLine{}, fmt.Errorf("allocated amount %s is negative", line.Allocated)
	}
	line.ID = uuid.NewString()
	line.Committed = decimal.Zero
	line.Spent = decimal.Zero
	line.Status = LineStatusOpen
	line.Version = 1
	line.CreatedAt = s.clock.Now()
	line.UpdatedAt = line.CreatedAt

	if err := s.lines.Create(ctx, line); err != nil {
		return BudgetLine{}, err
	}
	if err := s.trail().RecordCreation(ctx, "budget_line", line.ID, map[string]any{
		"fiscalPeriod": line.FiscalPeriod,
		"costCenter":   line.CostCenter,
		"allocated":    line.Allocated.String(),
	}, "budget line allocated"); err != nil {
		return BudgetLine{}, err
	}
	return line, nil
}

func (s *LedgerImpl) GetLine(ctx context.Context, id string) (BudgetLine, error) {
	return s.lines.GetByID(ctx, id)
}

func (s *LedgerImpl) ListLines(ctx context.Context, fiscalPeriod string) ([]BudgetLine, error) {
	return s.lines.List(ctx, fiscalPeriod)
}

func (s *LedgerImpl) ListTransactions(ctx context.Context, lineID string) ([]BudgetTransaction, error) {
	return s.txs.ListByLine(ctx, lineID)
}

func (s *LedgerImpl) Commit(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	btx, err := s.applyOperation(ctx, lineID, amount, entityType, entityID, TransactionCommitment, audit.ActionCommitted, commitMutation(amount))
	if err != nil {
		return BudgetTransaction{}, err
	}
	s.publish(ctx, event_bus.EventBudgetCommitted, event_bus.BudgetCommitted{
		BudgetLineID: lineID,
		Amount:       amount.String(),
		EntityType:   entityType,
		EntityID:     entityID,
	})
	return btx, nil
}

func (s *LedgerImpl) Release(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	return s.applyOperation(ctx, lineID, amount, entityType, entityID, TransactionUncommitment, audit.ActionReleased, releaseMutation(amount))
}

func (s *LedgerImpl) Spend(ctx context.Context, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	return s.applyOperation(ctx, lineID, amount, entityType, entityID, TransactionExpenditure, audit.ActionSpent, spendMutation(amount))
}

func (s *LedgerImpl) CommitInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	return s.applyOperationInTx(ctx, tx, lineID, amount, entityType, entityID, TransactionCommitment, audit.ActionCommitted, commitMutation(amount))
}

func (s *LedgerImpl) ReleaseInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	return s.applyOperationInTx(ctx, tx, lineID, amount, entityType, entityID, TransactionUncommitment, audit.ActionReleased, releaseMutation(amount))
}

func (s *LedgerImpl) SpendInTx(ctx context.Context, tx *sql.Tx, lineID string, amount decimal.Decimal, entityType, entityID string) (BudgetTransaction, error) {
	return s.applyOperationInTx(ctx, tx, lineID, amount, entityType, entityID, TransactionExpenditure, audit.ActionSpent, spendMutation(amount))
}

func commitMutation(amount decimal.Decimal) func(line *BudgetLine) error {
	return func(line *BudgetLine) error {
		if !line.OverrunOverride && amount.GreaterThan(line.Available()) {
			return &InsufficientBudgetError{LineID: line.ID, Required: amount, Available: line.Available()}
		}
		line.Committed = line.Committed.Add(amount)
		return nil
	}
}

func releaseMutation(amount decimal.Decimal) func(line *BudgetLine) error {
	return func(line *BudgetLine) error {
		// Clamp so committed never goes negative.
		release := decimal.Min(amount, line.Committed)
		line.Committed = line.Committed.Sub(release)
		return nil
	}
}

func spendMutation(amount decimal.Decimal) func(line *BudgetLine) error {
	return func(line *BudgetLine) error {
		// Expenditure consumes the matching commitment instead of stacking on
		// top of it.
		available := line.Available()
		consumed := decimal.Min(amount, line.Committed)
		line.Committed = line.Committed.Sub(consumed)
		line.Spent = line.Spent.Add(amount)
		if !line.OverrunOverride && line.Available().IsNegative() {
			return &InsufficientBudgetError{LineID: line.ID, Required: amount, Available: available.Add(consumed)}
		}
		return nil
	}
}

// applyOperation runs one ledger mutation in its own transaction, retrying a
// bounded number of times with exponential backoff when the line version moves
// underneath it. Every failure path records a failed audit entry before the
// error propagates.
func (s *LedgerImpl) applyOperation(
	ctx context.Context,
	lineID string,
	amount decimal.Decimal,
	entityType, entityID string,
	txType TransactionType,
	action string,
	mutate func(line *BudgetLine) error,
) (BudgetTransaction, error) {
	if !amount.IsPositive() {
		return BudgetTransaction{}, fmt.Errorf("amount %s must be positive", amount)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			log.Debugf("retrying %s on line %s after contention (attempt %d)", txType, lineID, attempt+1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return BudgetTransaction{}, ctx.Err()
			}
		}

		btx, retry, err := s.attemptOperation(ctx, lineID, amount, entityType, entityID, txType, action, mutate)
		if retry {
			continue
		}
		if err != nil {
			s.auditFailure(ctx, action, lineID, err)
			return BudgetTransaction{}, err
		}
		return btx, nil
	}

	err := fmt.Errorf("%w: line %s after %d attempts", ErrContention, lineID, maxAttempts)
	s.auditFailure(ctx, action, lineID, err)
	return BudgetTransaction{}, err
}

func (s *LedgerImpl) attemptOperation(
	ctx context.Context,
	lineID string,
	amount decimal.Decimal,
	entityType, entityID string,
	txType TransactionType,
	action string,
	mutate func(line *BudgetLine) error,
) (BudgetTransaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BudgetTransaction{}, false, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	btx, retry, err := s.operateInTx(ctx, tx, lineID, amount, entityType, entityID, txType, action, mutate)
	if retry || err != nil {
		return BudgetTransaction{}, retry, err
	}
	if err := tx.Commit(); err != nil {
		return BudgetTransaction{}, false, fmt.Errorf("could not commit transaction: %w", err)
	}
	return btx, false, nil
}

// applyOperationInTx is the single-attempt variant joining a caller-owned
// transaction. Contention is not retried here because the enclosing
// transaction would have to restart as a whole; it surfaces as ErrContention.
func (s *LedgerImpl) applyOperationInTx(
	ctx context.Context,
	tx *sql.Tx,
	lineID string,
	amount decimal.Decimal,
	entityType, entityID string,
	txType TransactionType,
	action string,
	mutate func(line *BudgetLine) error,
) (BudgetTransaction, error) {
	if !amount.IsPositive() {
		return BudgetTransaction{}, fmt.Errorf("amount %s must be positive", amount)
	}
	btx, retry, err := s.operateInTx(ctx, tx, lineID, amount, entityType, entityID, txType, action, mutate)
	if retry {
		err = fmt.Errorf("%w: line %s", ErrContention, lineID)
	}
	if err != nil {
		s.auditFailure(ctx, action, lineID, err)
		return BudgetTransaction{}, err
	}
	return btx, nil
}

// operateInTx is the shared core: re-read the line, apply the mutation,
// compare-and-swap the amounts, append the BudgetTransaction, and write the
// audit entry, all against the given transaction.
func (s *LedgerImpl) operateInTx(
	ctx context.Context,
	tx *sql.Tx,
	lineID string,
	amount decimal.Decimal,
	entityType, entityID string,
	txType TransactionType,
	action string,
	mutate func(line *BudgetLine) error,
) (BudgetTransaction, bool, error) {
	actorID, err := actor.CurrentId(ctx)
	if err != nil {
		return BudgetTransaction{}, false, fmt.Errorf("failed to get current actor: %w", err)
	}

	lines := s.lines.WithTx(tx)
	line, err := lines.GetByID(ctx, lineID)
	if err != nil {
		return BudgetTransaction{}, false, err
	}
	if line.Status == LineStatusClosed {
		return BudgetTransaction{}, false, fmt.Errorf("%w: %s", ErrLineClosed, lineID)
	}

	if err := mutate(&line); err != nil {
		return BudgetTransaction{}, false, err
	}

	line.UpdatedAt = s.clock.Now()
	updated, err := lines.UpdateAmounts(ctx, line)
	if err != nil {
		return BudgetTransaction{}, false, err
	}
	if !updated {
		// Version moved under us.
		return BudgetTransaction{}, true, nil
	}

	btx := BudgetTransaction{
		ID:           uuid.NewString(),
		BudgetLineID: line.ID,
		Type:         txType,
		Amount:       amount,
		EntityType:   entityType,
		EntityID:     entityID,
		BalanceAfter: line.Available(),
		ActorID:      actorID,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.txs.WithTx(tx).Append(ctx, btx); err != nil {
		return BudgetTransaction{}, false, err
	}

	trail := audit.NewTrail(s.auditRepo.WithTx(tx), s.clock)
	if err := trail.Record(ctx, audit.Event{
		Action:     action,
		EntityType: "budget_line",
		EntityID:   line.ID,
		NewValues: map[string]any{
			"committed":    line.Committed.String(),
			"spent":        line.Spent.String(),
			"balanceAfter": btx.BalanceAfter.String(),
		},
		Description: fmt.Sprintf("%s of %s for %s/%s", txType, amount, entityType, entityID),
		Metadata: map[string]any{
			"transactionId": btx.ID,
			"amount":        amount.String(),
		},
	}); err != nil {
		return BudgetTransaction{}, false, err
	}

	return btx, false, nil
}

func (s *LedgerImpl) CloseFiscalPeriod(ctx context.Context, lineID string) (BudgetLine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BudgetLine{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	lines := s.lines.WithTx(tx)
	line, err := lines.GetByID(ctx, lineID)
	if err != nil {
		return BudgetLine{}, err
	}
	if line.Status == LineStatusClosed {
		err := fmt.Errorf("%w: %s", ErrLineClosed, lineID)
		s.auditFailure(ctx, audit.ActionPeriodClosed, lineID, err)
		return BudgetLine{}, err
	}

	utilization := line.Utilization()
	line.UpdatedAt = s.clock.Now()
	closed, err := lines.Close(ctx, line)
	if err != nil {
		return BudgetLine{}, err
	}
	if !closed {
		err := fmt.Errorf("%w: line %s", ErrContention, lineID)
		s.auditFailure(ctx, audit.ActionPeriodClosed, lineID, err)
		return BudgetLine{}, err
	}

	trail := audit.NewTrail(s.auditRepo.WithTx(tx), s.clock)
	if err := trail.Record(ctx, audit.Event{
		Action:     audit.ActionPeriodClosed,
		EntityType: "budget_line",
		EntityID:   line.ID,
		NewValues: map[string]any{
			"allocated":   line.Allocated.String(),
			"committed":   line.Committed.String(),
			"spent":       line.Spent.String(),
			"utilization": utilization.String(),
		},
		Description: fmt.Sprintf("fiscal period %s closed at %s%% utilization", line.FiscalPeriod, utilization),
	}); err != nil {
		return BudgetLine{}, err
	}

	if err := tx.Commit(); err != nil {
		return BudgetLine{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	line.Status = LineStatusClosed
	line.Version++
	s.publish(ctx, event_bus.EventFiscalPeriodClosed, event_bus.FiscalPeriodClosed{
		BudgetLineID: line.ID,
		FiscalPeriod: line.FiscalPeriod,
		Utilization:  utilization.String(),
	})
	return line, nil
}

func (s *LedgerImpl) trail() audit.Trail {
	return audit.NewTrail(s.auditRepo, s.clock)
}

// auditFailure records the failed attempt outside any transaction so the trace
// survives the rollback.
func (s *LedgerImpl) auditFailure(ctx context.Context, action, lineID string, cause error) {
	if err := s.trail().RecordFailure(ctx, action, "budget_line", lineID, cause); err != nil {
		log.Errorf("failed to audit ledger failure: %v", err)
	}
}

func (s *LedgerImpl) publish(ctx context.Context, eventType event_bus.EventType, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event_bus.NewEvent(ctx, eventType, data)); err != nil {
		log.Errorf("failed to publish %s event: %v", eventType, err)
	}
}
