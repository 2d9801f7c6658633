package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Delivery.Delay())
	assert.Equal(t, 30*time.Second, cfg.Forwarder.TimeoutDuration())
	assert.Equal(t, "@every 5m", cfg.Reconcile.Schedule)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
addr = ":9090"
base_url = "https://relay.example.com"

[storage]
driver = "memory"

[delivery]
max_attempts = 5
retry_delay = "500ms"

[reconcile]
schedule = ""
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://relay.example.com", cfg.Server.BaseURL)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.Delay())
	assert.Empty(t, cfg.Reconcile.Schedule)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"driver":   "[storage]\ndriver = \"sqlite\"\n",
		"attempts": "[delivery]\nmax_attempts = 0\n",
		"delay":    "[delivery]\nretry_delay = \"soon\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  base_url: https://relay.example.com
storage:
  driver: memory
forwarder:
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", cfg.Server.BaseURL)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Forwarder.TimeoutDuration())
}
