// Package config loads process configuration from environment
// variables, following the flat-struct-plus-getenv-helpers convention
// used throughout this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// StorageKind selects the Config Store Adapter backend.
type StorageKind string

const (
	StorageFiles    StorageKind = "files"
	StoragePostgres StorageKind = "postgres"
)

// Config is the full set of environment-derived settings recognized at
// startup (§6). No other env var affects the core.
type Config struct {
	ConfigStorage StorageKind
	ConfigDir     string
	DatabaseURL   string
	APIHost       string
	APIPort       int
	CORSEnabled   bool
	LogLevel      string
}

// Load reads and validates the environment, filling in defaults for
// anything unset.
func Load() (Config, error) {
	cfg := Config{
		ConfigStorage: StorageKind(getenv("CONFIG_STORAGE", string(StorageFiles))),
		ConfigDir:     getenv("CONFIG_DIR", "./data"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		APIHost:       getenv("API_HOST", "0.0.0.0"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}

	port, err := getenvInt("API_PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	cfg.APIPort = port

	cors, err := getenvBool("CORS_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	cfg.CORSEnabled = cors

	if cfg.ConfigStorage != StorageFiles && cfg.ConfigStorage != StoragePostgres {
		return Config{}, fmt.Errorf("config: CONFIG_STORAGE must be %q or %q, got %q", StorageFiles, StoragePostgres, cfg.ConfigStorage)
	}
	if cfg.ConfigStorage == StoragePostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required when CONFIG_STORAGE=postgres")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("config: LOG_LEVEL must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a bool: %w", key, err)
	}
	return b, nil
}
