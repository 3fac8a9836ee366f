package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "policies.db")
	t.Setenv("EDGEGATE_DB_PATH", dbPath)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "deny", cfg.Policy.DefaultDecision)
	assert.Equal(t, 30*time.Second, cfg.Backend.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Backend.MaxAttempts)
	assert.Equal(t, []string{"localhost:8080"}, cfg.Backend.StaticNodes)
	assert.Equal(t, "hkdf", cfg.Gateway.SaltScheme)
	assert.Equal(t, int64(32<<20), cfg.Backend.MaxResponseBytes)
	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestLoad_YAMLAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
database_path: ` + filepath.Join(dir, "store.db") + `
gateway:
  id: gw-factory-7
  salt_scheme: legacy
backend:
  max_response_bytes: 1048576
  static_nodes: ["https://ledger-a:9443", "ledger-b"]
  health_check_interval: 15s
policy:
  default_decision: allow
  refresh_interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("EDGEGATE_MAX_ATTEMPTS", "5")
	t.Setenv("EDGEGATE_MAX_RESPONSE_BYTES", "2097152")
	t.Setenv("EDGEGATE_NOTIFY_URLS", "generic://hooks.local/a, ,generic://hooks.local/b")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gw-factory-7", cfg.Gateway.ID)
	assert.Equal(t, "legacy", cfg.Gateway.SaltScheme)
	assert.Equal(t, int64(2<<20), cfg.Backend.MaxResponseBytes)
	assert.Equal(t, []string{"https://ledger-a:9443", "ledger-b"}, cfg.Backend.StaticNodes)
	assert.Equal(t, 15*time.Second, cfg.Backend.HealthCheckInterval)
	assert.Equal(t, "allow", cfg.Policy.DefaultDecision)
	assert.Equal(t, 5*time.Second, cfg.Policy.RefreshInterval)
	assert.Equal(t, 5, cfg.Backend.MaxAttempts)
	assert.Equal(t, []string{"generic://hooks.local/a", "generic://hooks.local/b"}, cfg.Notifications.URLs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("invalid default decision", func(t *testing.T) {
		cfg := Defaults()
		cfg.Policy.DefaultDecision = "maybe"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("missing store path", func(t *testing.T) {
		cfg := Defaults()
		cfg.DatabasePath = " "
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.MaxAttempts = 0
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("unknown salt scheme", func(t *testing.T) {
		cfg := Defaults()
		cfg.Gateway.SaltScheme = "md5"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("legacy salt scheme", func(t *testing.T) {
		cfg := Defaults()
		cfg.Gateway.SaltScheme = "legacy"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("zero response cap", func(t *testing.T) {
		cfg := Defaults()
		cfg.Backend.MaxResponseBytes = 0
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Defaults().Validate())
	})
}

func TestEnvHelpersFallback(t *testing.T) {
	t.Setenv("EDGEGATE_TEST_BOOL", "not-a-bool")
	t.Setenv("EDGEGATE_TEST_INT", "x")
	t.Setenv("EDGEGATE_TEST_DUR", "soon")

	assert.True(t, getEnvBool("EDGEGATE_TEST_BOOL", true))
	assert.Equal(t, 7, getEnvInt("EDGEGATE_TEST_INT", 7))
	assert.Equal(t, time.Second, getEnvDuration("EDGEGATE_TEST_DUR", time.Second))
}
