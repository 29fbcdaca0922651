package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090, "log_level": "debug"},
		"provider": {"type": "anthropic", "api_key": "sk-test"},
		"database": {"sqlite_path": "/tmp/promptchain.db"},
		"defaults": {"timeout_ms": 5000, "fallback_strategy": "downgrade", "max_retries": 1}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "anthropic", cfg.Provider.Type)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "/tmp/promptchain.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5000, cfg.Defaults.TimeoutMs)
	assert.Equal(t, "downgrade", cfg.Defaults.FallbackStrategy)
	assert.Equal(t, 1, cfg.Defaults.MaxRetries)
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("PROMPTCHAIN_API_KEY", "sk-from-env")

	path := writeConfig(t, `{
		"provider": {"type": "openai", "api_key": "${PROMPTCHAIN_API_KEY}"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
}

func TestLoad_EnvSubstitutionDefault(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"log_level": "${PROMPTCHAIN_UNSET_LOG_LEVEL:warn}"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "mock", cfg.Provider.Type)
	assert.Equal(t, 30000, cfg.Defaults.TimeoutMs)
	assert.Equal(t, "retry", cfg.Defaults.FallbackStrategy)
	assert.Equal(t, 2, cfg.Defaults.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, `{nope`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mock", cfg.Provider.Type)
	assert.Empty(t, cfg.Database.SQLitePath)
}
