package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets should arrive this
// way rather than sitting in YAML on disk.
const (
	EnvCredentialSecret = "MAESTRO_CREDENTIAL_SECRET"
	EnvRedisURL         = "MAESTRO_REDIS_URL"
)

// Load builds a Config from the YAML file at path, layered over defaults and
// under environment overrides. An empty path skips the file and loads from
// defaults and environment alone. The result is validated before return.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCredentialSecret); v != "" {
		cfg.Dispatcher.Secret = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Cache.RemoteURL = v
	}
}
