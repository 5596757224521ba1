package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60000, cfg.Dispatcher.DefaultDeadlineMS)
	assert.Equal(t, 5, cfg.Tasks.Workers)
	assert.Equal(t, 1000, cfg.Tasks.QueueCapacity)
	assert.Equal(t, 15, cfg.Pipeline.QuickRefreshMin)
	assert.Equal(t, 30, cfg.Pipeline.NormalRefreshMin)
	assert.Equal(t, 60, cfg.Pipeline.BackgroundRefreshMin)
	assert.Equal(t, 5, cfg.Pipeline.MaxConcurrentRefreshes)
	assert.Equal(t, 20.0, cfg.Pipeline.ChangeThresholdPct)
	assert.Equal(t, 50.0, cfg.Pipeline.AlertThresholdPct)
	assert.Equal(t, 10000, cfg.Cache.LocalCapacity)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.Breaker.RecoveryTimeoutS)
	assert.Equal(t, 3600, cfg.Credential.TTLS)
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher.secret")

	cfg.Dispatcher.Secret = "test-secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateCredentialTTLCap(t *testing.T) {
	cfg := Default()
	cfg.Dispatcher.Secret = "test-secret"

	cfg.Credential.TTLS = 3600
	require.NoError(t, cfg.Validate())

	cfg.Credential.TTLS = 3601
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential.ttl_s")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Tasks.Workers = 0 }},
		{"negative thread pool", func(c *Config) { c.Tasks.ThreadWorkers = -1 }},
		{"zero queue capacity", func(c *Config) { c.Tasks.QueueCapacity = 0 }},
		{"zero refresh interval", func(c *Config) { c.Pipeline.NormalRefreshMin = 0 }},
		{"zero refresh concurrency", func(c *Config) { c.Pipeline.MaxConcurrentRefreshes = 0 }},
		{"alert below change threshold", func(c *Config) { c.Pipeline.AlertThresholdPct = 10 }},
		{"zero local capacity", func(c *Config) { c.Cache.LocalCapacity = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero recovery timeout", func(c *Config) { c.Breaker.RecoveryTimeoutS = 0 }},
		{"zero credential ttl", func(c *Config) { c.Credential.TTLS = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Dispatcher.Secret = "test-secret"
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	data := `
dispatcher:
  secret: file-secret
  default_deadline_ms: 30000
tasks:
  workers: 8
  thread_workers: 2
pipeline:
  quick_refresh_min: 10
cache:
  remote_url: redis://localhost:6379/0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-secret", cfg.Dispatcher.Secret)
	assert.Equal(t, 30000, cfg.Dispatcher.DefaultDeadlineMS)
	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, 2, cfg.Tasks.ThreadWorkers)
	assert.Equal(t, 10, cfg.Pipeline.QuickRefreshMin)
	// Unset fields keep their defaults.
	assert.Equal(t, 30, cfg.Pipeline.NormalRefreshMin)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RemoteURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvCredentialSecret, "env-secret")
	t.Setenv(EnvRedisURL, "redis://env:6379/1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Dispatcher.Secret)
	assert.Equal(t, "redis://env:6379/1", cfg.Cache.RemoteURL)
}

func TestLoadMissingSecretFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher.secret")
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher: ["), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Minute, cfg.Dispatcher.DefaultDeadline())
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.Interval(0))
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.Interval(1))
	assert.Equal(t, 60*time.Minute, cfg.Pipeline.Interval(2))
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout())
	assert.Equal(t, time.Hour, cfg.Credential.TTL())
}
