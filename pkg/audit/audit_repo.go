package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fiscora/fiscora/internal/database"
	log "github.com/sirupsen/logrus"
)

type Repo interface {
	// Append inserts one audit entry. The audit table carries triggers that
	// reject UPDATE and DELETE, so this is the only write operation exposed.
	Append(ctx context.Context, entry Entry) error
	FindByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error)
	FindByActor(ctx context.Context, actorID string, limit int) ([]Entry, error)
	// Archive marks entries older than the given time as archived. Archiving
	// is the only permitted mutation and touches nothing but the flag.
	Archive(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a Repo bound to the given transaction so audit writes
	// join the caller's atomic unit.
	WithTx(tx *sql.Tx) Repo
}

type RepoImpl struct {
	db database.DBTX
}

func NewRepo(db database.DBTX) *RepoImpl {
	return &RepoImpl{db: db}
}

func (r *RepoImpl) WithTx(tx *sql.Tx) Repo {
	return &RepoImpl{db: tx}
}

func (r *RepoImpl) Append(ctx context.Context, entry Entry) error {
	oldValues, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("could not marshal old values: %w", err)
	}
	newValues, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("could not marshal new values: %w", err)
	}
	metadata, err := marshalValues(entry.Metadata)
	if err != nil {
		return fmt.Errorf("could not marshal metadata: %w", err)
	}

	query := `INSERT INTO audit_log (
				id,
				actor_id,
				action,
				entity_type,
				entity_id,
				old_values,
				new_values,
				description,
				metadata,
				status,
				archived,
				created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		oldValues,
		newValues,
		entry.Description,
		metadata,
		string(entry.Status),
		boolToInt(entry.Archived),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		err := fmt.Errorf("could not append audit entry: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepoImpl) FindByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	query := `SELECT id, actor_id, action, entity_type, entity_id, old_values, new_values,
				description, metadata, status, archived, created_at
			FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		err := fmt.Errorf("could not query audit log: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *RepoImpl) FindByActor(ctx context.Context, actorID string, limit int) ([]Entry, error) {
	query := `SELECT id, actor_id, action, entity_type, entity_id, old_values, new_values,
				description, metadata, status, archived, created_at
			FROM audit_log WHERE actor_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, actorID, limit)
	if err != nil {
		err := fmt.Errorf("could not query audit log: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *RepoImpl) Archive(ctx context.Context, before time.Time) (int64, error) {
	query := `UPDATE audit_log SET archived = 1 WHERE archived = 0 AND created_at < ?`
	result, err := r.db.ExecContext(ctx, query, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isImmutableViolation(err) {
			return 0, ErrImmutableRecord
		}
		err := fmt.Errorf("could not archive audit entries: %w", err)
		log.Error(err)
		return 0, err
	}
	archived, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get rows affected: %w", err)
	}
	return archived, nil
}

// isImmutableViolation recognizes the storage trigger that guards the audit table.
func isImmutableViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "audit log entries are immutable")
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var oldValues, newValues, metadata sql.NullString
		var status string
		var archived int
		var createdAt string
		if err := rows.Scan(
			&entry.ID,
			&entry.ActorID,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&oldValues,
			&newValues,
			&entry.Description,
			&metadata,
			&status,
			&archived,
			&createdAt,
		); err != nil {
			err := fmt.Errorf("could not scan audit entry: %w", err)
			log.Error(err)
			return nil, err
		}
		entry.Status = Status(status)
		entry.Archived = archived == 1
		if err := unmarshalValues(oldValues, &entry.OldValues); err != nil {
			return nil, err
		}
		if err := unmarshalValues(newValues, &entry.NewValues); err != nil {
			return nil, err
		}
		if err := unmarshalValues(metadata, &entry.Metadata); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			err := fmt.Errorf("could not parse audit timestamp: %w", err)
			log.Error(err)
			return nil, err
		}
		entry.CreatedAt = ts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over audit rows: %w", err)
	}
	return entries, nil
}

func marshalValues(values map[string]any) (any, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalValues(raw sql.NullString, dest *map[string]any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dest); err != nil {
		return fmt.Errorf("could not unmarshal audit values: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
