package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Address())
	assert.Equal(t, SourcePostgres, cfg.Realtime.Source)
	assert.Equal(t, 3*time.Second, cfg.Realtime.PendingTimeout)
	assert.Equal(t, 2*time.Second, cfg.Realtime.LookupTimeout)
	assert.Equal(t, 80.0, cfg.Realtime.NearBottomPx)
	assert.Equal(t, 50, cfg.Realtime.PageSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.ReconnectInitial)
	assert.Equal(t, uint64(0), cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
realtime:
  source: redis
  channel: chat
  pending_timeout: 5s
  reconnect_max_attempts: 7
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, SourceRedis, cfg.Realtime.Source)
	assert.Equal(t, "chat", cfg.Realtime.Channel)
	assert.Equal(t, 5*time.Second, cfg.Realtime.PendingTimeout)
	assert.Equal(t, uint64(7), cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
}
