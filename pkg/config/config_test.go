package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load("/nonexistent/path/treeline.yaml")
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Storage.RecordsPerPageGoal)
	assert.Equal(t, 10, cfg.Storage.RecordsPerPageDelta)
	assert.Equal(t, 16, cfg.Reorg.MaxReorgFanout)
	assert.True(t, cfg.Reorg.ConsiderNeighborsDuringRewrite)
	assert.Equal(t, 4, cfg.System.BackgroundThreads)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	content := `
storage:
  path: "test_data"
  records_per_page_goal: 44
  memtable_flush_threshold: 1048576
reorg:
  max_reorg_fanout: 8
  flatten_threshold_pages: 3
system:
  background_threads: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test_data", cfg.Storage.Path)
	assert.Equal(t, 44, cfg.Storage.RecordsPerPageGoal)
	assert.Equal(t, 1048576, cfg.Storage.MemTableFlushThreshold)
	assert.Equal(t, 8, cfg.Reorg.MaxReorgFanout)
	assert.Equal(t, 3, cfg.Reorg.FlattenThresholdPages)
	assert.Equal(t, 2, cfg.System.BackgroundThreads)
	// Unset fields still pick up defaults.
	assert.Equal(t, 10, cfg.Storage.RecordsPerPageDelta)
	assert.Equal(t, 50, cfg.Reorg.PageFillPct)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TREELINE_MAX_REORG_FANOUT", "5")
	t.Setenv("TREELINE_DATA_PATH", "/tmp/env_data")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Reorg.MaxReorgFanout)
	assert.Equal(t, "/tmp/env_data", cfg.Storage.Path)
}
