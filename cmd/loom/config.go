package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all loom runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	VaultPassphrase string `json:"vault_passphrase,omitempty"`
	VaultSalt       string `json:"vault_salt,omitempty"`
	UserID          string `json:"user_id"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(loomDir(), "loom.db"),
		LogLevel: "info",
		UserID:   "local",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("LOOM_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("LOOM_USER_ID"); v != "" {
		cfg.UserID = v
	}

	return cfg
}
