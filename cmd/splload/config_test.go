package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/spl-load/pkg/types"
)

func TestLoadConfigDefaults(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit config file must exist")

	// No file at all falls back to defaults.
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultConfig().DB.Adapter, cfg.DB.Adapter)
	assert.Equal(t, types.FormatCSV, cfg.IntermediateFormat)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  adapter: sqlite
  name: warehouse.db
intermediate_format: parquet
chunk_size: 1000
delta:
  batch_archives: 5
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Adapter)
	assert.Equal(t, "warehouse.db", cfg.DB.Name)
	assert.Equal(t, types.FormatParquet, cfg.IntermediateFormat)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 5, cfg.Delta.BatchArchives)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  adapter: postgres\n"), 0o644))

	t.Setenv("SPL_DB_ADAPTER", "sqlite")
	t.Setenv("SPL_CHUNK_SIZE", "250")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DB.Adapter, "environment wins over the file")
	assert.Equal(t, 250, cfg.ChunkSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "splload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intermediate_format: avro\n"), 0o644))

	_, err := loadConfig(path)
	assert.ErrorIs(t, err, types.ErrFormatUnknown)
}
