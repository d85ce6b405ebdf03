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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/relay/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
	assert.Equal(t, 5*time.Second, cfg.Health.Timeout)
	assert.Equal(t, 2, cfg.Processor.WorkflowWorkers)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: text
backend:
  type: sqlite
  sqlite:
    path: /var/lib/relay/relay.db
queue:
  max_age: 10m
processor:
  step_workers: 8
health:
  timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, BackendSQLite, cfg.Backend.Type)
	assert.Equal(t, "/var/lib/relay/relay.db", cfg.Backend.SQLite.Path)
	assert.Equal(t, 10*time.Minute, cfg.Queue.MaxAge)
	assert.Equal(t, 8, cfg.Processor.StepWorkers)
	assert.Equal(t, 2*time.Second, cfg.Health.Timeout)

	// Values the file does not set keep their defaults.
	assert.Equal(t, 2, cfg.Processor.WorkflowWorkers)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "log: [not: a: mapping")

	_, err := Load(path)
	require.Error(t, err)

	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, path, cfgErr.Key)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
`)
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Setenv("RELAY_BACKEND", "sqlite")
	t.Setenv("RELAY_SQLITE_PATH", "/tmp/override.db")
	t.Setenv("RELAY_STEP_WORKERS", "16")
	t.Setenv("RELAY_METRICS_ADDR", ":9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, BackendSQLite, cfg.Backend.Type)
	assert.Equal(t, "/tmp/override.db", cfg.Backend.SQLite.Path)
	assert.Equal(t, 16, cfg.Processor.StepWorkers)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend.Type = "postgres" },
			wantKey: "backend.type",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSQLite
				c.Backend.SQLite.Path = ""
			},
			wantKey: "backend.sqlite.path",
		},
		{
			name:    "negative max age",
			mutate:  func(c *Config) { c.Queue.MaxAge = -time.Second },
			wantKey: "queue.max_age",
		},
		{
			name:    "zero health timeout",
			mutate:  func(c *Config) { c.Health.Timeout = 0 },
			wantKey: "health.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKey, cfgErr.Key)
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
