// Package config loads daemon configuration from the environment, with
// optional .env overrides merged in from the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the entitled daemon.
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	MetricsPort int

	// Paths
	DataPath    string
	CatalogPath string
	JournalPath string

	// Platform purchase service
	PlatformURL string
	AppToken    string
	PlatformKey string

	// Entitlement scope
	GroupID       string
	ProductFilter string

	// API access
	APIToken       string
	AllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// MockMode swaps the live platform client for the in-process demo fake
	MockMode bool

	// JournalEnabled controls whether processed transactions are persisted
	JournalEnabled bool
}

// Load reads configuration from the environment. An optional .env file in
// the data directory is merged first so deployments can override without
// touching the unit file.
func Load() (*Config, error) {
	// Get data directory from environment
	dataDir := "/etc/entitled"
	if dir := os.Getenv("ENTITLED_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	// Re-read after godotenv so a .env value wins over the default
	if dir := os.Getenv("ENTITLED_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Initialize config with defaults
	cfg := &Config{
		BackendHost:    "0.0.0.0",
		BackendPort:    7600,
		MetricsPort:    9091,
		DataPath:       dataDir,
		CatalogPath:    filepath.Join(dataDir, "catalog.json"),
		JournalPath:    filepath.Join(dataDir, "journal.db"),
		LogLevel:       "info",
		LogFormat:      "auto",
		JournalEnabled: true,
	}

	if host := os.Getenv("ENTITLED_BACKEND_HOST"); host != "" {
		cfg.BackendHost = host
	}
	if port := os.Getenv("ENTITLED_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid ENTITLED_PORT %q", port)
		}
		cfg.BackendPort = p
	}
	if port := os.Getenv("ENTITLED_METRICS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("invalid ENTITLED_METRICS_PORT %q", port)
		}
		// 0 disables the metrics listener
		cfg.MetricsPort = p
	}

	if path := os.Getenv("ENTITLED_CATALOG_PATH"); path != "" {
		cfg.CatalogPath = path
	}
	if path := os.Getenv("ENTITLED_JOURNAL_PATH"); path != "" {
		cfg.JournalPath = path
	}
	if enabled := os.Getenv("ENTITLED_JOURNAL_ENABLED"); enabled != "" {
		cfg.JournalEnabled = parseBool(enabled)
	}

	cfg.PlatformURL = os.Getenv("ENTITLED_PLATFORM_URL")
	cfg.AppToken = os.Getenv("ENTITLED_APP_TOKEN")
	cfg.PlatformKey = os.Getenv("ENTITLED_PLATFORM_KEY")
	cfg.GroupID = os.Getenv("ENTITLED_GROUP_ID")
	cfg.ProductFilter = os.Getenv("ENTITLED_PRODUCT_FILTER")
	cfg.AllowedOrigins = os.Getenv("ENTITLED_ALLOWED_ORIGINS")

	if token := os.Getenv("ENTITLED_API_TOKEN"); token != "" {
		cfg.APIToken = token
		log.Info().Msg("API token configured, /api endpoints require authentication")
	}

	if level := os.Getenv("ENTITLED_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("ENTITLED_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	if mock := os.Getenv("ENTITLED_MOCK_MODE"); mock != "" {
		cfg.MockMode = parseBool(mock)
		if cfg.MockMode {
			log.Info().Msg("Mock mode enabled, using in-process demo platform")
		}
	}

	if !cfg.MockMode && cfg.PlatformURL == "" {
		return nil, fmt.Errorf("ENTITLED_PLATFORM_URL is required unless ENTITLED_MOCK_MODE is set")
	}

	return cfg, nil
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BackendHost, c.BackendPort)
}

// MetricsAddr returns the host:port for the metrics listener, or empty when
// metrics are disabled.
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BackendHost, c.MetricsPort)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
