package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.Engine.GlobalParallelism)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, time.Second, cfg.Engine.RetryBase())
	assert.Equal(t, 30*time.Second, cfg.Engine.RetryCap())
	assert.Equal(t, 5*time.Second, cfg.Engine.CancellationGrace())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
engine:
  global_parallelism: 4
  retry_base_ms: 50
  retry_cap_ms: 500
auth:
  jwt_secret: sekrit
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.GlobalParallelism)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.RetryBase())
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1, cfg.Engine.ParallelismPerExecution)
	assert.Equal(t, "slow-consumer-drop", cfg.Events.OverflowPolicy)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORCH_ENGINE_GLOBAL_PARALLELISM", "32")
	t.Setenv("ORCH_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Engine.GlobalParallelism)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero parallelism":  "engine:\n  global_parallelism: 0\n",
		"cap below base":    "engine:\n  retry_base_ms: 1000\n  retry_cap_ms: 100\n",
		"bad orphan policy": "engine:\n  orphan_policy: discard\n",
		"bad overflow":      "events:\n  overflow_policy: block\n",
		"zero pool":         "page_pool:\n  max: 0\n",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
