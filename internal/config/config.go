// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete Baton configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Golden    GoldenConfig    `yaml:"golden"`
	Policy    PolicyConfig    `yaml:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig configures checkpoint and job persistence.
type StoreConfig struct {
	// Backend selects the storage backend: sqlite or memory.
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path.
	// Environment: BATON_DB_PATH
	// Default: baton.db
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging for concurrent reads.
	// Default: true
	WAL bool `yaml:"wal"`
}

// GoldenConfig configures the golden record pipeline.
type GoldenConfig struct {
	// Dir is the directory golden record files are written to.
	// Environment: BATON_GOLDEN_DIR
	// Default: golden
	Dir string `yaml:"dir"`

	// SecretEnv names the environment variable holding the HMAC
	// signing secret. The secret itself never appears in the file.
	// Default: BATON_GOLDEN_SECRET
	SecretEnv string `yaml:"secret_env"`
}

// PolicyConfig configures the policy enforcer.
type PolicyConfig struct {
	// StepCeilingMinor caps any single step's estimated cost; zero
	// disables the per-step ceiling.
	// Environment: BATON_STEP_CEILING_MINOR
	StepCeilingMinor int64 `yaml:"step_ceiling_minor"`

	// StopFile, when set, engages the emergency stop while the file
	// exists. The WORKFLOW_EMERGENCY_STOP environment variable is
	// honored independently at startup.
	StopFile string `yaml:"stop_file"`

	// TenantRatePerSecond caps skill invocations per second per
	// tenant; zero disables rate limiting.
	TenantRatePerSecond float64 `yaml:"tenant_rate_per_second"`

	// TenantRateBurst is the rate limiter's burst size.
	// Default: 1 when rate limiting is enabled
	TenantRateBurst int `yaml:"tenant_rate_burst"`
}

// SchedulerConfig configures the job/claim scheduler.
type SchedulerConfig struct {
	// HeartbeatTTL is how long a worker may go silent before its
	// claims are reclaimed.
	// Default: 60s
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`

	// ReclaimInterval is how often the reclaimer scans for stale
	// claims.
	// Default: 15s
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the
	// endpoint.
	// Environment: BATON_METRICS_ADDR
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "baton.db",
			WAL:     true,
		},
		Golden: GoldenConfig{
			Dir:       "golden",
			SecretEnv: "BATON_GOLDEN_SECRET",
		},
		Scheduler: SchedulerConfig{
			HeartbeatTTL:    60 * time.Second,
			ReclaimInterval: 15 * time.Second,
		},
	}
}

// Load reads the configuration file at path, falling back to defaults
// when path is empty or the file does not exist, then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BATON_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("BATON_GOLDEN_DIR"); v != "" {
		c.Golden.Dir = v
	}
	if v := os.Getenv("BATON_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("BATON_STEP_CEILING_MINOR"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Policy.StepCeilingMinor = n
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("%w: sqlite backend requires store.path", ErrInvalidConfig)
	}
	if c.Golden.Dir == "" {
		return fmt.Errorf("%w: golden.dir is required", ErrInvalidConfig)
	}
	if c.Policy.StepCeilingMinor < 0 {
		return fmt.Errorf("%w: policy.step_ceiling_minor must be non-negative", ErrInvalidConfig)
	}
	if c.Scheduler.HeartbeatTTL <= 0 {
		return fmt.Errorf("%w: scheduler.heartbeat_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// GoldenSecret resolves the signing secret from the configured
// environment variable.
func (c *Config) GoldenSecret() ([]byte, error) {
	name := c.Golden.SecretEnv
	if name == "" {
		name = "BATON_GOLDEN_SECRET"
	}
	secret := os.Getenv(name)
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret %s is not set", ErrInvalidConfig, name)
	}
	return []byte(secret), nil
}
