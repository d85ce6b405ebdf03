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

// Package config loads and validates the engine configuration from YAML
// files and RELAY_* environment variables. Environment variables win over
// file values; file values win over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tombee/relay/internal/engine/processor"
	"github.com/tombee/relay/internal/tracing"
	"github.com/tombee/relay/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the complete engine configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Backend   BackendConfig    `yaml:"backend"`
	Queue     QueueConfig      `yaml:"queue"`
	Processor processor.Config `yaml:"processor"`
	Tracing   tracing.Config   `yaml:"tracing"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Health    HealthConfig     `yaml:"health"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Type is memory or sqlite.
	Type string `yaml:"type"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode.
	WAL bool `yaml:"wal"`
}

// QueueConfig configures the message bus.
type QueueConfig struct {
	// MaxAge is the broker-level maximum message age. Zero disables it.
	MaxAge time.Duration `yaml:"max_age"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics endpoint.
	Addr string `yaml:"addr"`
}

// HealthConfig configures queue health probing.
type HealthConfig struct {
	// Timeout bounds how long a probe waits for its echo.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backend: BackendConfig{
			Type: BackendMemory,
			SQLite: SQLiteConfig{
				Path: "relay.db",
				WAL:  true,
			},
		},
		Processor: processor.DefaultConfig(),
		Tracing: tracing.Config{
			Exporter: tracing.ExporterNone,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Health: HealthConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from path, falling back to defaults when path is
// empty or the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.ConfigError{Key: path, Reason: "unreadable config file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendMemory, BackendSQLite:
	default:
		return &errors.ConfigError{
			Key:    "backend.type",
			Reason: fmt.Sprintf("unknown backend %q (want %s or %s)", c.Backend.Type, BackendMemory, BackendSQLite),
		}
	}
	if c.Backend.Type == BackendSQLite && c.Backend.SQLite.Path == "" {
		return &errors.ConfigError{Key: "backend.sqlite.path", Reason: "required for the sqlite backend"}
	}
	if c.Queue.MaxAge < 0 {
		return &errors.ConfigError{Key: "queue.max_age", Reason: "must not be negative"}
	}
	if c.Health.Timeout <= 0 {
		return &errors.ConfigError{Key: "health.timeout", Reason: "must be positive"}
	}
	return nil
}

// applyEnv overlays RELAY_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RELAY_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("RELAY_SQLITE_PATH"); v != "" {
		cfg.Backend.SQLite.Path = v
	}
	if v := os.Getenv("RELAY_QUEUE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MaxAge = d
		}
	}
	if v := os.Getenv("RELAY_WORKFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Processor.WorkflowWorkers = n
		}
	}
	if v := os.Getenv("RELAY_STEP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Processor.StepWorkers = n
		}
	}
	if v := os.Getenv("RELAY_TRACE_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = tracing.Exporter(v)
		cfg.Tracing.Enabled = cfg.Tracing.Exporter != tracing.ExporterNone
	}
	if v := os.Getenv("RELAY_TRACE_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("RELAY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}
