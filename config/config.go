// Package config provides configuration loading and validation for the
// maestro orchestration core. Options load from YAML with environment
// overrides for secrets; unset fields take documented defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the complete maestro configuration.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Credential CredentialConfig `yaml:"credential"`
}

// DispatcherConfig configures the query dispatcher.
type DispatcherConfig struct {
	// Secret signs delegation credentials. Required; there is no ephemeral
	// fallback because cross-process verification would silently break.
	Secret string `yaml:"secret"`
	// DefaultDeadlineMS bounds a single query end to end (default 60000).
	DefaultDeadlineMS int `yaml:"default_deadline_ms"`
}

// TasksConfig configures the async task engine.
type TasksConfig struct {
	// Workers is the general worker count (default 5).
	Workers int `yaml:"workers"`
	// ThreadWorkers sizes the CPU-bound isolation pool (0 disables it).
	ThreadWorkers int `yaml:"thread_workers"`
	// ProcessWorkers sizes the heavyweight isolation pool (0 disables it).
	ProcessWorkers int `yaml:"process_workers"`
	// QueueCapacity is the per-priority-level queue depth (default 1000).
	QueueCapacity int `yaml:"queue_capacity"`
}

// PipelineConfig configures the real-time analytics pipeline.
type PipelineConfig struct {
	// QuickRefreshMin is the refresh interval for high-priority users (default 15).
	QuickRefreshMin int `yaml:"quick_refresh_min"`
	// NormalRefreshMin is the refresh interval for normal-priority users (default 30).
	NormalRefreshMin int `yaml:"normal_refresh_min"`
	// BackgroundRefreshMin is the refresh interval for low-priority users (default 60).
	BackgroundRefreshMin int `yaml:"background_refresh_min"`
	// MaxConcurrentRefreshes bounds parallel per-user refreshes (default 5).
	MaxConcurrentRefreshes int `yaml:"max_concurrent_refreshes"`
	// ChangeThresholdPct is the change magnitude that emits a medium alert (default 20).
	ChangeThresholdPct float64 `yaml:"change_threshold_pct"`
	// AlertThresholdPct is the change magnitude that raises significance to high (default 50).
	AlertThresholdPct float64 `yaml:"alert_threshold_pct"`
	// Milestones lists subscriber counts that emit milestone alerts when crossed.
	Milestones []float64 `yaml:"milestones"`
}

// CacheConfig configures the distributed cache.
type CacheConfig struct {
	// RemoteURL is the redis connection URL. Empty routes everything to the
	// in-process fallback.
	RemoteURL string `yaml:"remote_url"`
	// LocalCapacity bounds the in-process LRU fallback (default 10000).
	LocalCapacity int `yaml:"local_capacity"`
}

// BreakerConfig configures per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker (default 5).
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeoutS is the open period before a half-open probe (default 30).
	RecoveryTimeoutS int `yaml:"recovery_timeout_s"`
}

// CredentialConfig configures delegation credentials.
type CredentialConfig struct {
	// TTLS is the credential lifetime in seconds (default 3600, max 3600).
	TTLS int `yaml:"ttl_s"`
}

// Default returns a Config with documented defaults. The dispatcher secret has
// no default and must be provided.
func Default() Config {
	return Config{
		Dispatcher: DispatcherConfig{
			DefaultDeadlineMS: 60000,
		},
		Tasks: TasksConfig{
			Workers:       5,
			QueueCapacity: 1000,
		},
		Pipeline: PipelineConfig{
			QuickRefreshMin:        15,
			NormalRefreshMin:       30,
			BackgroundRefreshMin:   60,
			MaxConcurrentRefreshes: 5,
			ChangeThresholdPct:     20,
			AlertThresholdPct:      50,
			Milestones:             []float64{1000, 10000, 100000, 1000000},
		},
		Cache: CacheConfig{
			LocalCapacity: 10000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeoutS: 30,
		},
		Credential: CredentialConfig{
			TTLS: 3600,
		},
	}
}

// Validate checks the configuration. Configuration errors are fatal at
// startup; hosts must stop on a non-nil result.
func (c *Config) Validate() error {
	if c.Dispatcher.Secret == "" {
		return fmt.Errorf("dispatcher.secret is required")
	}
	if c.Dispatcher.DefaultDeadlineMS <= 0 {
		return fmt.Errorf("dispatcher.default_deadline_ms must be positive")
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive")
	}
	if c.Tasks.QueueCapacity <= 0 {
		return fmt.Errorf("tasks.queue_capacity must be positive")
	}
	if c.Tasks.ThreadWorkers < 0 || c.Tasks.ProcessWorkers < 0 {
		return fmt.Errorf("tasks worker pool sizes must not be negative")
	}
	if c.Pipeline.QuickRefreshMin <= 0 || c.Pipeline.NormalRefreshMin <= 0 || c.Pipeline.BackgroundRefreshMin <= 0 {
		return fmt.Errorf("pipeline refresh intervals must be positive")
	}
	if c.Pipeline.MaxConcurrentRefreshes <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_refreshes must be positive")
	}
	if c.Pipeline.ChangeThresholdPct <= 0 || c.Pipeline.AlertThresholdPct < c.Pipeline.ChangeThresholdPct {
		return fmt.Errorf("pipeline alert thresholds must be positive and alert >= change")
	}
	if c.Cache.LocalCapacity <= 0 {
		return fmt.Errorf("cache.local_capacity must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeoutS <= 0 {
		return fmt.Errorf("breaker.recovery_timeout_s must be positive")
	}
	if c.Credential.TTLS <= 0 {
		return fmt.Errorf("credential.ttl_s must be positive")
	}
	if c.Credential.TTLS > 3600 {
		return fmt.Errorf("credential.ttl_s must not exceed 3600")
	}
	return nil
}

// DefaultDeadline returns the per-query deadline as a duration.
func (c DispatcherConfig) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineMS) * time.Millisecond
}

// Interval returns the refresh interval for the given priority rank, where
// rank 0 is high, 1 is normal, and anything else is low.
func (c PipelineConfig) Interval(rank int) time.Duration {
	switch rank {
	case 0:
		return time.Duration(c.QuickRefreshMin) * time.Minute
	case 1:
		return time.Duration(c.NormalRefreshMin) * time.Minute
	default:
		return time.Duration(c.BackgroundRefreshMin) * time.Minute
	}
}

// RecoveryTimeout returns the breaker recovery period as a duration.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutS) * time.Second
}

// TTL returns the credential lifetime as a duration.
func (c CredentialConfig) TTL() time.Duration {
	return time.Duration(c.TTLS) * time.Second
}
