package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.PageSize)
	assert.Equal(t, 1024, cfg.BufferPoolCapacity)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := "[engine]\npage_size = 4096\nbuffer_pool_capacity = 16\ncheckpoint_interval_seconds = 5\ndeadlock_check_interval_ms = 50\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "environment.ini"), []byte(contents), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, 16, cfg.BufferPoolCapacity)
	assert.Equal(t, 5*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.DeadlockCheckInterval)
}
