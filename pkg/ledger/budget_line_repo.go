package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/database"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type LineRepo interface {
	Create(ctx context.Context, line BudgetLine) error
	GetByID(ctx context.Context, id string) (BudgetLine, error)
	List(ctx context.Context, fiscalPeriod string) ([]BudgetLine, error)
	// UpdateAmounts persists committed/spent with a compare-and-swap on the
	// line version. Returns false when the version moved, which signals
	// concurrent contention to the service layer.
	UpdateAmounts(ctx context.Context, line BudgetLine) (bool, error)
	Close(ctx context.Context, line BudgetLine) (bool, error)
	WithTx(tx *sql.Tx) LineRepo
}

type LineRepoImpl struct {
	db database.DBTX
}

func NewLineRepo(db database.DBTX) *LineRepoImpl {
	return &LineRepoImpl{db: db}
}

func (r *LineRepoImpl) WithTx(tx *sql.Tx) LineRepo {
	return &LineRepoImpl{db: tx}
}

func (r *LineRepoImpl) Create(ctx context.Context, line BudgetLine) error {
	query := `INSERT INTO budget_line (
				id,
				fiscal_period,
				cost_center,
				allocated,
				committed,
				spent,
				overrun_override,
				status,
				version,
				created_at,
				updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := line.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, query,
		line.ID,
		line.FiscalPeriod,
		line.CostCenter,
		line.Allocated.String(),
		line.Committed.String(),
		line.Spent.String(),
		boolToInt(line.OverrunOverride),
		string(line.Status),
		line.Version,
		now,
		now,
	)
	if err != nil {
		err := fmt.Errorf("could not store budget line: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *LineRepoImpl) GetByID(ctx context.Context, id string) (BudgetLine, error) {
	query := `SELECT id, fiscal_period, cost_center, allocated, committed, spent,
				overrun_override, status, version, created_at, updated_at
			FROM budget_line WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	line, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BudgetLine{}, ErrLineNotFound
	}
	if err != nil {
		err := fmt.Errorf("could not get budget line: %w", err)
		log.Error(err)
		return BudgetLine{}, err
	}
	return line, nil
}

func (r *LineRepoImpl) List(ctx context.Context, fiscalPeriod string) ([]BudgetLine, error) {
	query := `SELECT id, fiscal_period, cost_center, allocated, committed, spent,
				overrun_override, status, version, created_at, updated_at
			FROM budget_line WHERE fiscal_period = ? ORDER BY cost_center`
	rows, err := r.db.QueryContext(ctx, query, fiscalPeriod)
	if err != nil {
		err := fmt.Errorf("could not query budget lines: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	var lines []BudgetLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			err := fmt.Errorf("could not scan budget line: %w", err)
			log.Error(err)
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over budget lines: %w", err)
	}
	return lines, nil
}

func (r *LineRepoImpl) UpdateAmounts(ctx context.Context, line BudgetLine) (bool, error) {
	query := `UPDATE budget_line SET
				committed = ?,
				spent = ?,
				version = version + 1,
				updated_at = ?
			WHERE id = ? AND version = ? AND status = 'open'`
	result, err := r.db.ExecContext(ctx, query,
		line.Committed.String(),
		line.Spent.String(),
		line.UpdatedAt.UTC().Format(time.RFC3339Nano),
		line.ID,
		line.Version,
	)
	if err != nil {
		err := fmt.Errorf("could not update budget line: %w", err)
		log.Error(err)
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *LineRepoImpl) Close(ctx context.Context, line BudgetLine) (bool, error) {
	query := `UPDATE budget_line SET
				status = 'closed',
				version = version + 1,
				updated_at = ?
			WHERE id = ? AND version = ? AND status = 'open'`
	result, err := r.db.ExecContext(ctx, query,
		line.UpdatedAt.UTC().Format(time.RFC3339Nano),
		line.ID,
		line.Version,
	)
	if err != nil {
		err := fmt.Errorf("could not close budget line: %w", err)
		log.Error(err)
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

type lineScanner interface {
	Scan(dest ...any) error
}

func scanLine(sc lineScanner) (BudgetLine, error) {
	var line BudgetLine
	var allocated, committed, spent string
	var override int
	var status, createdAt, updatedAt string
	if err := sc.Scan(
		&line.ID,
		&line.FiscalPeriod,
		&line.CostCenter,
		&allocated,
		&committed,
		&spent,
		&override,
		&status,
		&line.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return BudgetLine{}, err
	}
	var err error
	if line.Allocated, err = decimal.NewFromString(allocated); err != nil {
		return BudgetLine{}, fmt.Errorf("could not parse allocated amount: %w", err)
	}
	if line.Committed, err = decimal.NewFromString(committed); err != nil {
		return BudgetLine{}, fmt.Errorf("could not parse committed amount: %w", err)
	}
	if line.Spent, err = decimal.NewFromString(spent); err != nil {
		return BudgetLine{}, fmt.Errorf("could not parse spent amount: %w", err)
	}
	line.OverrunOverride = override == 1
	line.Status = LineStatus(status)
	if line.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return BudgetLine{}, fmt.Errorf("could not parse created_at: %w", err)
	}
	if line.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return BudgetLine{}, fmt.Errorf("could not parse updated_at: %w", err)
	}
	return line, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
