// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir string // Base directory for the cache database (always absolute)
	Port    int

	LogLevel string
	DevMode  bool

	// Upstream providers
	CoinGeckoAPIKey      string
	CoinGeckoBaseURL     string
	CoinMarketCapAPIKey  string
	CoinMarketCapBaseURL string

	// Pipeline tuning
	RefreshInterval time.Duration // scheduled refresh cadence
	QuoteTTL        time.Duration // cache TTL for quote entries
	TrendTTL        time.Duration // cache TTL for trend entries
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic:
	// 1. Check TRACKER_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path and ensure it exists
	dataDir := getEnv("TRACKER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 getEnvAsInt("PORT", 8000),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		CoinGeckoAPIKey:      getEnv("COINGECKO_API_KEY", ""),
		CoinGeckoBaseURL:     getEnv("COINGECKO_BASE_URL", ""),
		CoinMarketCapAPIKey:  getEnv("COINMARKETCAP_API_KEY", ""),
		CoinMarketCapBaseURL: getEnv("COINMARKETCAP_BASE_URL", ""),
		RefreshInterval:      getEnvAsSeconds("REFRESH_INTERVAL_SECONDS", 30),
		QuoteTTL:             getEnvAsSeconds("CACHE_TTL_SECONDS", 300),
		TrendTTL:             getEnvAsSeconds("TREND_TTL_SECONDS", 3600),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable.
// Provider API keys are optional: CoinGecko works unauthenticated on the
// free tier and CoinMarketCap only matters once the primary is exhausted.
func (c *Config) Validate() error {
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval too small: %s", c.RefreshInterval)
	}
	if c.QuoteTTL < c.RefreshInterval {
		return fmt.Errorf("quote TTL (%s) must not be shorter than the refresh interval (%s)", c.QuoteTTL, c.RefreshInterval)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Second
}
