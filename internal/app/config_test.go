package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "data/custody.db", cfg.DBPath)
	assert.Equal(t, filepath.Join("data", "evidence"), cfg.EvidenceRoot)
	assert.Equal(t, filepath.Join("data", "exports"), cfg.ExportDir)
	assert.Equal(t, RepositorySQLite, cfg.Repository)
	assert.True(t, cfg.QuarantineOnFailure)
	assert.Equal(t, 4, cfg.VerifyConcurrency)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custody.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
data_dir: /srv/custody
repository: memory
verify_concurrency: 8
log_format: json
`), 0o644))
	t.Setenv("CUSTODY_VERIFY_CONCURRENCY", "2")
	t.Setenv("CUSTODY_QUARANTINE_ON_FAILURE", "false")

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, RepositoryMemory, cfg.Repository)
	assert.Equal(t, 2, cfg.VerifyConcurrency)
	assert.False(t, cfg.QuarantineOnFailure)
	assert.Equal(t, filepath.Join("/srv/custody", "evidence"), cfg.EvidenceRoot)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CUSTODY_REPOSITORY", "postgres")
	_, err := LoadConfig("")
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
