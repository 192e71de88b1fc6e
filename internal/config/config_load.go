package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"
)

// Load reads config from a json5 file, then overlays env vars.
// A missing file yields the defaults (env still applies).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, applyEnv(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, applyEnv(cfg)
}

// applyEnv overlays env-tagged fields (secrets and deploy-time overrides).
// Env vars take precedence over file values.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	// Convenience overrides without struct tags on non-secret fields.
	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RELAY_DB_MODE"); v != "" {
		cfg.Database.Mode = v
	}
	return nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
