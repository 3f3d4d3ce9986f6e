package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbq.yaml")
	content := []byte(`
engine: postgres
conn:
  host: db.internal
  username: svc
  password: secret
  database: app
metrics:
  enabled: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Engine)
	assert.Equal(t, "db.internal", cfg.Conn.Host)
	assert.Equal(t, "app", cfg.Conn.Database)
	assert.True(t, cfg.Metrics.Enabled)
	// defaults fill what the file omits
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Nil(t, cfg)

	t.Chdir(t.TempDir())
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Engine)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}
