package grn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/database"
	"github.com/fiscora/fiscora/internal/utils"
	"github.com/fiscora/fiscora/pkg/workflow"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("goods received note not found")

type Repo interface {
	Create(ctx context.Context, g GRN) error
	GetByID(ctx context.Context, id string) (GRN, error)
	List(ctx context.Context) ([]GRN, error)
	// SetInspector and SetApprover record the acting duty holder; they run
	// inside the transaction that also moves the workflow state.
	SetInspector(ctx context.Context, id, actorID string, at time.Time) error
	SetApprover(ctx context.Context, id, actorID string, at time.Time) error
	// UpdateState implements workflow.StateStore with a compare-and-swap on the
	// state version.
	UpdateState(ctx context.Context, tx *sql.Tx, ref workflow.Ref, fromState, toState string, version int) (bool, error)
	WithTx(tx *sql.Tx) Repo
}

type RepoImpl struct {
	db    database.DBTX
	clock utils.Clock
}

func NewRepo(db database.DBTX, clock utils.Clock) *RepoImpl {
	return &RepoImpl{db: db, clock: clock}
}

func (r *RepoImpl) WithTx(tx *sql.Tx) Repo {
	return &RepoImpl{db: tx, clock: r.clock}
}

func (r *RepoImpl) Create(ctx context.Context, g GRN) error {
	query := `INSERT INTO grn (
				id,
				reference,
				supplier,
				budget_line_id,
				po_amount,
				received_amount,
				sourcing_method,
				quote_count,
				created_by,
				inspected_by,
				approved_by,
				state,
				version,
				created_at,
				updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := g.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, query,
		g.ID,
		g.Reference,
		g.Supplier,
		g.BudgetLineID,
		g.POAmount.String(),
		g.ReceivedAmount.String(),
		g.SourcingMethod,
		g.QuoteCount,
		g.CreatedBy,
		g.InspectedBy,
		g.ApprovedBy,
		g.WorkflowState,
		g.StateVersion,
		now,
		now,
	)
	if err != nil {
		err := fmt.Errorf("could not store goods received note: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepoImpl) GetByID(ctx context.Context, id string) (GRN, error) {
	query := `SELECT id, reference, supplier, budget_line_id, po_amount, received_amount,
				sourcing_method, quote_count, created_by, inspected_by, approved_by,
				state, version, created_at, updated_at
			FROM grn WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	g, err := scanGRN(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GRN{}, ErrNotFound
	}
	if err != nil {
		err := fmt.Errorf("could not get goods received note: %w", err)
		log.Error(err)
		return GRN{}, err
	}
	return g, nil
}

func (r *RepoImpl) List(ctx context.Context) ([]GRN, error) {
	query := `SELECT id, reference, supplier, budget_line_id, po_amount, received_amount,
				sourcing_method, quote_count, created_by, inspected_by, approved_by,
				state, version, created_at, updated_at
			FROM grn ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		err := fmt.Errorf("could not query goods received notes: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	var notes []GRN
	for rows.Next() {
		g, err := scanGRN(rows)
		if err != nil {
			err := fmt.Errorf("could not scan goods received note: %w", err)
			log.Error(err)
			return nil, err
		}
		notes = append(notes, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over goods received notes: %w", err)
	}
	return notes, nil
}

func (r *RepoImpl) SetInspector(ctx context.Context, id, actorID string, at time.Time) error {
	return r.setActor(ctx, "inspected_by", id, actorID, at)
}

func (r *RepoImpl) SetApprover(ctx context.Context, id, actorID string, at time.Time) error {
	return r.setActor(ctx, "approved_by", id, actorID, at)
}

func (r *RepoImpl) setActor(ctx context.Context, column, id, actorID string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE grn SET %s = ?, updated_at = ? WHERE id = ?`, column)
	result, err := r.db.ExecContext(ctx, query, actorID, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		err := fmt.Errorf("could not record %s actor: %w", column, err)
		log.Error(err)
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoImpl) UpdateState(ctx context.Context, tx *sql.Tx, ref workflow.Ref, fromState, toState string, version int) (bool, error) {
	query := `UPDATE grn SET
				state = ?,
				version = version + 1,
				updated_at = ?
			WHERE id = ? AND state = ? AND version = ?`
	db := r.db
	if tx != nil {
		db = tx
	}
	result, err := db.ExecContext(ctx, query,
		toState,
		r.clock.Now().UTC().Format(time.RFC3339Nano),
		ref.EntityID,
		fromState,
		version,
	)
	if err != nil {
		err := fmt.Errorf("could not update goods received note state: %w", err)
		log.Error(err)
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

type grnScanner interface {
	Scan(dest ...any) error
}

func scanGRN(sc grnScanner) (GRN, error) {
	var g GRN
	var poAmount, receivedAmount string
	var inspectedBy, approvedBy sql.NullString
	var createdAt, updatedAt string
	if err := sc.Scan(
		&g.ID,
		&g.Reference,
		&g.Supplier,
		&g.BudgetLineID,
		&poAmount,
		&receivedAmount,
		&g.SourcingMethod,
		&g.QuoteCount,
		&g.CreatedBy,
		&inspectedBy,
		&approvedBy,
		&g.WorkflowState,
		&g.StateVersion,
		&createdAt,
		&updatedAt,
	); err != nil {
		return GRN{}, err
	}
	g.InspectedBy = inspectedBy.String
	g.ApprovedBy = approvedBy.String
	var err error
	if g.POAmount, err = decimal.NewFromString(poAmount); err != nil {
		return GRN{}, fmt.Errorf("could not parse PO amount: %w", err)
	}
	if g.ReceivedAmount, err = decimal.NewFromString(receivedAmount); err != nil {
		return GRN{}, fmt.Errorf("could not parse received amount: %w", err)
	}
	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return GRN{}, fmt.Errorf("could not parse created_at: %w", err)
	}
	if g.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return GRN{}, fmt.Errorf("could not parse updated_at: %w", err)
	}
	return g, nil
}
