package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/database"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// TxRepo appends and reads immutable budget transactions. No update or delete
// operations exist.
type TxRepo interface {
	Append(ctx context.Context, btx BudgetTransaction) error
	ListByLine(ctx context.Context, lineID string) ([]BudgetTransaction, error)
	WithTx(tx *sql.Tx) TxRepo
}

type TxRepoImpl struct {
	db database.DBTX
}

func NewTxRepo(db database.DBTX) *TxRepoImpl {
	return &TxRepoImpl{db: db}
}

func (r *TxRepoImpl) WithTx(tx *sql.Tx) TxRepo {
	return &TxRepoImpl{db: tx}
}

func (r *TxRepoImpl) Append(ctx context.Context, btx BudgetTransaction) error {
	query := `INSERT INTO budget_transaction (
				id,
				budget_line_id,
				type,
				amount,
				entity_type,
				entity_id,
				balance_after,
				actor_id,
				created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		btx.ID,
		btx.BudgetLineID,
		string(btx.Type),
		btx.Amount.String(),
		btx.EntityType,
		btx.EntityID,
		btx.BalanceAfter.String(),
		btx.ActorID,
		btx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		err := fmt.Errorf("could not append budget transaction: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *TxRepoImpl) ListByLine(ctx context.Context, lineID string) ([]BudgetTransaction, error) {
	query := `SELECT id, budget_line_id, type, amount, entity_type, entity_id,
				balance_after, actor_id, created_at
			FROM budget_transaction WHERE budget_line_id = ? ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, lineID)
	if err != nil {
		err := fmt.Errorf("could not query budget transactions: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	var transactions []BudgetTransaction
	for rows.Next() {
		var btx BudgetTransaction
		var txType, amount, balanceAfter, createdAt string
		if err := rows.Scan(
			&btx.ID,
			&btx.BudgetLineID,
			&txType,
			&amount,
			&btx.EntityType,
			&btx.EntityID,
			&balanceAfter,
			&btx.ActorID,
			&createdAt,
		); err != nil {
			err := fmt.Errorf("could not scan budget transaction: %w", err)
			log.Error(err)
			return nil, err
		}
		btx.Type = TransactionType(txType)
		if btx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("could not parse transaction amount: %w", err)
		}
		if btx.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("could not parse balance after: %w", err)
		}
		if btx.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("could not parse created_at: %w", err)
		}
		transactions = append(transactions, btx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over budget transactions: %w", err)
	}
	return transactions, nil
}
