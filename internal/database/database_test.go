package database

import (
	"path/filepath"
	"testing"

	"github.com/fiscora/fiscora/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate(t *testing.T) {
	cfg := config.Database{Path: filepath.Join(t.TempDir(), "fiscora.db")}

	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db))
	// Re-running against an up-to-date database is a no-op.
	require.NoError(t, Migrate(db))

	// The immutability triggers ship with the migrations, so the production
	// store rejects tampering the same way the test databases do.
	_, err = db.Exec(`INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, created_at)
		VALUES ('e1', 'alice', 'created', 'grn', 'grn-1', '2025-03-12T10:00:00Z')`)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE audit_log SET action = 'tampered' WHERE id = 'e1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit log entries are immutable")

	_, err = db.Exec(`DELETE FROM audit_log WHERE id = 'e1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit log entries are immutable")
}
