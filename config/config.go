// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the guestkit daemon/worker's configuration from
// a YAML file and/or environment variables, following the teacher's
// FromFile/FromEnvironment/MergeWithEnv layering (env takes precedence
// over file, file takes precedence over built-in defaults).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the core-engine settings: logging, daemon/worker
// addressing, job directories, pool sizing, cache policy, session
// root, and retry/timeout defaults.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DaemonAddr string `yaml:"daemon_addr"`

	JobsDir    string `yaml:"jobs_dir"`
	ResultsDir string `yaml:"results_dir"`

	WorkerPoolSize   int           `yaml:"worker_pool_size"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	RetryBudget      int           `yaml:"retry_budget"`

	CacheDir string        `yaml:"cache_dir"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	SessionRootDir string `yaml:"session_root_dir"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig mirrors worker.TracingConfig's shape for YAML/env
// loading, kept separate to avoid a config->worker import cycle.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration used when neither a file
// nor environment overrides are present.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		DaemonAddr:     "localhost:8080",
		JobsDir:        "./var/jobs",
		ResultsDir:     "./var/results",
		WorkerPoolSize: 4,
		DefaultTimeout: 30 * time.Minute,
		RetryBudget:    2,
		CacheDir:       "./var/cache",
		CacheTTL:       7 * 24 * time.Hour,
		SessionRootDir: "./var/sessions",
		Tracing:        TracingConfig{Enabled: false, ServiceName: "guestkitd"},
	}
}

// FromFile loads configuration from a YAML file, applying Default()'s
// values for any field left unset.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// FromEnvironment builds a Config purely from environment variables,
// falling back to Default()'s values where unset.
func FromEnvironment() *Config {
	cfg := Default()

	if v := os.Getenv("GUESTKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GUESTKIT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("GUESTKIT_DAEMON_ADDR"); v != "" {
		cfg.DaemonAddr = v
	}
	if v := os.Getenv("GUESTKIT_JOBS_DIR"); v != "" {
		cfg.JobsDir = v
	}
	if v := os.Getenv("GUESTKIT_RESULTS_DIR"); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv("GUESTKIT_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("GUESTKIT_SESSION_ROOT_DIR"); v != "" {
		cfg.SessionRootDir = v
	}
	if v, err := strconv.Atoi(os.Getenv("GUESTKIT_WORKER_POOL_SIZE")); err == nil && v > 0 {
		cfg.WorkerPoolSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("GUESTKIT_RETRY_BUDGET")); err == nil && v >= 0 {
		cfg.RetryBudget = v
	}
	if v, err := time.ParseDuration(os.Getenv("GUESTKIT_DEFAULT_TIMEOUT")); err == nil {
		cfg.DefaultTimeout = v
	}
	if v, err := time.ParseDuration(os.Getenv("GUESTKIT_CACHE_TTL")); err == nil {
		cfg.CacheTTL = v
	}
	if os.Getenv("GUESTKIT_TRACING_ENABLED") == "1" {
		cfg.Tracing.Enabled = true
	}

	return cfg
}

// MergeWithEnv overlays environment variable overrides onto a
// file-loaded Config, env taking precedence.
func (c *Config) MergeWithEnv() *Config {
	envCfg := FromEnvironment()

	if os.Getenv("GUESTKIT_LOG_LEVEL") != "" {
		c.LogLevel = envCfg.LogLevel
	}
	if os.Getenv("GUESTKIT_LOG_FORMAT") != "" {
		c.LogFormat = envCfg.LogFormat
	}
	if os.Getenv("GUESTKIT_DAEMON_ADDR") != "" {
		c.DaemonAddr = envCfg.DaemonAddr
	}
	if os.Getenv("GUESTKIT_JOBS_DIR") != "" {
		c.JobsDir = envCfg.JobsDir
	}
	if os.Getenv("GUESTKIT_RESULTS_DIR") != "" {
		c.ResultsDir = envCfg.ResultsDir
	}
	if os.Getenv("GUESTKIT_CACHE_DIR") != "" {
		c.CacheDir = envCfg.CacheDir
	}
	if os.Getenv("GUESTKIT_SESSION_ROOT_DIR") != "" {
		c.SessionRootDir = envCfg.SessionRootDir
	}
	if os.Getenv("GUESTKIT_WORKER_POOL_SIZE") != "" {
		c.WorkerPoolSize = envCfg.WorkerPoolSize
	}
	if os.Getenv("GUESTKIT_RETRY_BUDGET") != "" {
		c.RetryBudget = envCfg.RetryBudget
	}
	if os.Getenv("GUESTKIT_DEFAULT_TIMEOUT") != "" {
		c.DefaultTimeout = envCfg.DefaultTimeout
	}
	if os.Getenv("GUESTKIT_CACHE_TTL") != "" {
		c.CacheTTL = envCfg.CacheTTL
	}
	if os.Getenv("GUESTKIT_TRACING_ENABLED") != "" {
		c.Tracing.Enabled = envCfg.Tracing.Enabled
	}

	return c
}
