package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./fiscora.db", cfg.Database.Path)
	assert.Equal(t, "2", cfg.Governance.ThreeWayMatchTolerancePercent)
	assert.Equal(t, 5, cfg.Worker.PollIntervalSeconds)
	require.Len(t, cfg.Governance.CashBands, 5)
	assert.Equal(t, "micro", cfg.Governance.CashBands[0].Label)
	assert.Equal(t, "", cfg.Governance.CashBands[4].Max, "top band must be open-ended")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "application.yaml")
	content := []byte(`
db:
  path: "/var/lib/fiscora/fiscora.db"
governance:
  threewaymatchtolerance: "1.5"
worker:
  concurrency: 4
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fiscora/fiscora.db", cfg.Database.Path)
	assert.Equal(t, "1.5", cfg.Governance.ThreeWayMatchTolerancePercent)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Worker.PollIntervalSeconds)
	assert.Len(t, cfg.Governance.CashBands, 5)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FISCORA_DB_PATH", "/tmp/fiscora-env.db")
	t.Setenv("FISCORA_WORKER_CONCURRENCY", "8")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fiscora-env.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}
