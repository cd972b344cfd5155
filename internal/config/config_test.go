package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"ENTITLED_DATA_DIR", "ENTITLED_BACKEND_HOST", "ENTITLED_PORT",
		"ENTITLED_METRICS_PORT", "ENTITLED_CATALOG_PATH", "ENTITLED_JOURNAL_PATH",
		"ENTITLED_JOURNAL_ENABLED", "ENTITLED_PLATFORM_URL", "ENTITLED_APP_TOKEN",
		"ENTITLED_PLATFORM_KEY", "ENTITLED_GROUP_ID", "ENTITLED_PRODUCT_FILTER",
		"ENTITLED_ALLOWED_ORIGINS", "ENTITLED_API_TOKEN", "ENTITLED_LOG_LEVEL",
		"ENTITLED_LOG_FORMAT", "ENTITLED_MOCK_MODE",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()
	t.Setenv("ENTITLED_DATA_DIR", tempDir)
	t.Setenv("ENTITLED_MOCK_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BackendHost)
	assert.Equal(t, 7600, cfg.BackendPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, tempDir, cfg.DataPath)
	assert.Equal(t, filepath.Join(tempDir, "catalog.json"), cfg.CatalogPath)
	assert.Equal(t, filepath.Join(tempDir, "journal.db"), cfg.JournalPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.True(t, cfg.JournalEnabled)
	assert.True(t, cfg.MockMode)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()

	envVars := map[string]string{
		"ENTITLED_DATA_DIR":        tempDir,
		"ENTITLED_BACKEND_HOST":    "127.0.0.1",
		"ENTITLED_PORT":            "8123",
		"ENTITLED_METRICS_PORT":    "0",
		"ENTITLED_CATALOG_PATH":    "/opt/entitled/tiers.json",
		"ENTITLED_PLATFORM_URL":    "https://store.example.com",
		"ENTITLED_APP_TOKEN":       "app-secret",
		"ENTITLED_PLATFORM_KEY":    "base64key",
		"ENTITLED_GROUP_ID":        "plans.main",
		"ENTITLED_PRODUCT_FILTER":  "plan.*",
		"ENTITLED_ALLOWED_ORIGINS": "https://app.example.com",
		"ENTITLED_API_TOKEN":       "api-secret",
		"ENTITLED_LOG_LEVEL":       "debug",
		"ENTITLED_LOG_FORMAT":      "json",
		"ENTITLED_JOURNAL_ENABLED": "false",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BackendHost)
	assert.Equal(t, 8123, cfg.BackendPort)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, "/opt/entitled/tiers.json", cfg.CatalogPath)
	assert.Equal(t, "https://store.example.com", cfg.PlatformURL)
	assert.Equal(t, "app-secret", cfg.AppToken)
	assert.Equal(t, "base64key", cfg.PlatformKey)
	assert.Equal(t, "plans.main", cfg.GroupID)
	assert.Equal(t, "plan.*", cfg.ProductFilter)
	assert.Equal(t, "https://app.example.com", cfg.AllowedOrigins)
	assert.Equal(t, "api-secret", cfg.APIToken)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.JournalEnabled)
	assert.False(t, cfg.MockMode)
}

func TestLoadRequiresPlatformURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTITLED_DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTITLED_PLATFORM_URL")
}

func TestLoadRejectsBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTITLED_DATA_DIR", t.TempDir())
	t.Setenv("ENTITLED_MOCK_MODE", "1")
	t.Setenv("ENTITLED_PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTITLED_PORT")
}

func TestListenAndMetricsAddr(t *testing.T) {
	cfg := &Config{BackendHost: "0.0.0.0", BackendPort: 7600, MetricsPort: 9091}
	assert.Equal(t, "0.0.0.0:7600", cfg.ListenAddr())
	assert.Equal(t, "0.0.0.0:9091", cfg.MetricsAddr())

	cfg.MetricsPort = 0
	assert.Equal(t, "", cfg.MetricsAddr())
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := parseBool(tt.in); got != tt.want {
			t.Errorf("parseBool(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
