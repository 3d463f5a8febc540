package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fiscora/fiscora/internal/database"
	log "github.com/sirupsen/logrus"
)

var ErrTaskNotFound = errors.New("background task not found")

type Repo interface {
	// Enqueue stores the task unless one with the same idempotency key already
	// exists. Returns true when a new task was stored.
	Enqueue(ctx context.Context, t Task) (bool, error)
	// ClaimDue atomically takes one due pending task. Returns false when
	// nothing is due or another worker claimed it first.
	ClaimDue(ctx context.Context, now time.Time) (Task, bool, error)
	MarkSucceeded(ctx context.Context, id string, now time.Time) error
	// MarkFailed schedules a retry, or parks the task as failed once the
	// attempt budget is exhausted.
	MarkFailed(ctx context.Context, t Task, cause string, retryAt time.Time, now time.Time) error
	GetByID(ctx context.Context, id string) (Task, error)
}

type RepoImpl struct {
	db database.DBTX
}

func NewRepo(db database.DBTX) *RepoImpl {
	return &RepoImpl{db: db}
}

func (r *RepoImpl) Enqueue(ctx context.Context, t Task) (bool, error) {
	query := `INSERT INTO background_task (
				id, kind, payload, idempotency_key, attempts, max_attempts,
				next_run_at, status, last_error, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`
	now := t.CreatedAt.UTC().Format(time.RFC3339Nano)
	result, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Kind,
		t.Payload,
		t.IdempotencyKey,
		t.Attempts,
		t.MaxAttempts,
		t.NextRunAt.UTC().Format(time.RFC3339Nano),
		string(t.Status),
		t.LastError,
		now,
		now,
	)
	if err != nil {
		err := fmt.Errorf("could not enqueue background task: %w", err)
		log.Error(err)
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Debugf("background task with idempotency key %q already enqueued", t.IdempotencyKey)
		return false, nil
	}
	return true, nil
}

func (r *RepoImpl) ClaimDue(ctx context.Context, now time.Time) (Task, bool, error) {
	query := `SELECT id, kind, payload, idempotency_key, attempts, max_attempts,
				next_run_at, status, last_error, created_at, updated_at
			FROM background_task
			WHERE status = 'pending' AND next_run_at <= ?
			ORDER BY next_run_at
			LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, now.UTC().Format(time.RFC3339Nano))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		err := fmt.Errorf("could not query due background tasks: %w", err)
		log.Error(err)
		return Task{}, false, err
	}

	claim := `UPDATE background_task SET
				status = 'running',
				attempts = attempts + 1,
				updated_at = ?
			WHERE id = ? AND status = 'pending'`
	result, err := r.db.ExecContext(ctx, claim, now.UTC().Format(time.RFC3339Nano), t.ID)
	if err != nil {
		err := fmt.Errorf("could not claim background task: %w", err)
		log.Error(err)
		return Task{}, false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Task{}, false, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Lost the race to another worker.
		return Task{}, false, nil
	}
	t.Status = StatusRunning
	t.Attempts++
	return t, true, nil
}

func (r *RepoImpl) MarkSucceeded(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE background_task SET
				status = 'succeeded',
				last_error = '',
				updated_at = ?
			WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		err := fmt.Errorf("could not mark background task succeeded: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepoImpl) MarkFailed(ctx context.Context, t Task, cause string, retryAt time.Time, now time.Time) error {
	status := StatusPending
	if t.Attempts >= t.MaxAttempts {
		status = StatusFailed
	}
	query := `UPDATE background_task SET
				status = ?,
				last_error = ?,
				next_run_at = ?,
				updated_at = ?
			WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query,
		string(status),
		cause,
		retryAt.UTC().Format(time.RFC3339Nano),
		now.UTC().Format(time.RFC3339Nano),
		t.ID,
	)
	if err != nil {
		err := fmt.Errorf("could not mark background task failed: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepoImpl) GetByID(ctx context.Context, id string) (Task, error) {
	query := `SELECT id, kind, payload, idempotency_key, attempts, max_attempts,
				next_run_at, status, last_error, created_at, updated_at
			FROM background_task WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		err := fmt.Errorf("could not get background task: %w", err)
		log.Error(err)
		return Task{}, err
	}
	return t, nil
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc taskScanner) (Task, error) {
	var t Task
	var payload, lastError sql.NullString
	var status, nextRunAt, createdAt, updatedAt string
	if err := sc.Scan(
		&t.ID,
		&t.Kind,
		&payload,
		&t.IdempotencyKey,
		&t.Attempts,
		&t.MaxAttempts,
		&nextRunAt,
		&status,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Payload = payload.String
	t.LastError = lastError.String
	t.Status = TaskStatus(status)
	var err error
	if t.NextRunAt, err = time.Parse(time.RFC3339Nano, nextRunAt); err != nil {
		return Task{}, fmt.Errorf("could not parse next_run_at: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Task{}, fmt.Errorf("could not parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Task{}, fmt.Errorf("could not parse updated_at: %w", err)
	}
	return t, nil
}
