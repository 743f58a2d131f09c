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
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "baton.db", cfg.Store.Path)
	assert.True(t, cfg.Store.WAL)
	assert.Equal(t, "golden", cfg.Golden.Dir)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.HeartbeatTTL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
golden:
  dir: /var/lib/baton/golden
policy:
  step_ceiling_minor: 500
  tenant_rate_per_second: 10
scheduler:
  heartbeat_ttl: 30s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/baton/golden", cfg.Golden.Dir)
	assert.Equal(t, int64(500), cfg.Policy.StepCeilingMinor)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HeartbeatTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: from-file.db\n"), 0o600))

	t.Setenv("BATON_DB_PATH", "from-env.db")
	t.Setenv("BATON_STEP_CEILING_MINOR", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, int64(250), cfg.Policy.StepCeilingMinor)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "dynamo"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Golden.Dir = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Scheduler.HeartbeatTTL = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestGoldenSecret(t *testing.T) {
	cfg := Default()

	_, err := cfg.GoldenSecret()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("BATON_GOLDEN_SECRET", "hunter2")
	secret, err := cfg.GoldenSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), secret)
}
