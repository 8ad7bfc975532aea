package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STEWARD_DATA_DIR", "STEWARD_LOG_LEVEL", "STEWARD_TIER", "STEWARD_TOKEN_STORE",
		"STEWARD_USAGE_STORE", "STEWARD_WEBHOOK_SECRET", "STEWARD_POLICY_TEMPLATE",
		"STEWARD_WEBHOOKS_ENABLED", "STEWARD_AUDIT_PURGE_ENABLED", "STEWARD_EXECUTION_ENABLED",
		"STEWARD_TELEMETRY",
	} {
		t.Setenv(k, "")
	}
}

// The process must boot with safe defaults: webhooks and purge off.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "free", cfg.Tier)
	assert.Equal(t, "memory", cfg.TokenStore)
	assert.Equal(t, "memory", cfg.UsageStore)
	assert.Empty(t, cfg.WebhookSecret)
	assert.False(t, cfg.Flags.WebhooksEnabled)
	assert.False(t, cfg.Flags.AuditPurgeEnabled)
	assert.True(t, cfg.Flags.ExecutionEnabled)
	assert.False(t, cfg.TelemetryEnabled)
	require.NoError(t, cfg.Validate())

	id, version := cfg.TemplateRef()
	assert.Equal(t, "conservative", id)
	assert.Empty(t, version)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STEWARD_TIER", "pro")
	t.Setenv("STEWARD_TOKEN_STORE", "Redis")
	t.Setenv("STEWARD_USAGE_STORE", "postgres")
	t.Setenv("STEWARD_POLICY_TEMPLATE", "balanced@1.0.0")
	t.Setenv("STEWARD_WEBHOOKS_ENABLED", "true")
	t.Setenv("STEWARD_EXECUTION_ENABLED", "false")

	cfg := config.Load()

	assert.Equal(t, "pro", cfg.Tier)
	assert.Equal(t, "redis", cfg.TokenStore)
	assert.True(t, cfg.Flags.WebhooksEnabled)
	assert.False(t, cfg.Flags.ExecutionEnabled)
	require.NoError(t, cfg.Validate())

	id, version := cfg.TemplateRef()
	assert.Equal(t, "balanced", id)
	assert.Equal(t, "1.0.0", version)
}

func TestValidate_UnknownBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("STEWARD_TOKEN_STORE", "etcd")
	assert.Error(t, config.Load().Validate())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STEWARD_TIER=plus\nSTEWARD_LOG_LEVEL=DEBUG\n"), 0o600))
	t.Setenv("STEWARD_LOG_LEVEL", "WARN")
	// godotenv.Load only sets variables that are unset, and t.Setenv("", "")
	// leaves STEWARD_TIER present but empty, so unset it explicitly.
	require.NoError(t, os.Unsetenv("STEWARD_TIER"))

	require.NoError(t, config.LoadDotEnv(path))
	t.Cleanup(func() { _ = os.Unsetenv("STEWARD_TIER") })

	cfg := config.Load()
	assert.Equal(t, "plus", cfg.Tier)
	assert.Equal(t, "WARN", cfg.LogLevel)
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	assert.NoError(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))
}
