package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
tiers:
  - name: hot
    backend: memory
    speed_rank: 0
    cache_bearing: true
  - name: cold
    backend: disk
    speed_rank: 1
    disk:
      path: /tmp/tiercache-test
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Engine.FetchTimeout)
	assert.Equal(t, 0.995, cfg.Engine.HeatDecayPerSecond)
	assert.Equal(t, 4096, cfg.Engine.DefaultCacheEntries)
	assert.Equal(t, 3, cfg.Replication.MinFactor)
	assert.Equal(t, 4, cfg.Replication.TargetFactor)
	assert.Equal(t, 5, cfg.Replication.MaxFactor)
	assert.Equal(t, 30*time.Second, cfg.Replication.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.CopyTimeout)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.MaxCooldown)
	assert.Equal(t, time.Minute, cfg.Breaker.FailureWindow)
	assert.Equal(t, 64, cfg.Integrity.SampleSize)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 256, cfg.Tiers[0].Memory.MaxSizeMB)
}

func TestLoadConfig_ExplicitValuesSurviveDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
engine:
  fetch_timeout: 2s
  heat_decay_per_second: 0.9
replication:
  min_factor: 2
  target_factor: 2
  max_factor: 3
tiers:
  - name: warm
    backend: redis
    speed_rank: 0
    redis:
      addr: localhost:6379
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Engine.FetchTimeout)
	assert.Equal(t, 0.9, cfg.Engine.HeatDecayPerSecond)
	assert.Equal(t, 2, cfg.Replication.MinFactor)
	assert.Equal(t, 3, cfg.Replication.MaxFactor)
	assert.Equal(t, "tiercache:", cfg.Tiers[0].Redis.KeyPrefix)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tiers: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no tiers",
			yaml:    `engine: {}`,
			wantErr: "at least one tier is required",
		},
		{
			name: "duplicate tier names",
			yaml: `
tiers:
  - {name: hot, backend: memory, speed_rank: 0}
  - {name: hot, backend: memory, speed_rank: 1}
`,
			wantErr: "duplicate tier name",
		},
		{
			name: "shared speed rank",
			yaml: `
tiers:
  - {name: hot, backend: memory, speed_rank: 0}
  - {name: warm, backend: memory, speed_rank: 0}
`,
			wantErr: "share speed_rank",
		},
		{
			name: "unknown backend",
			yaml: `
tiers:
  - {name: hot, backend: tape, speed_rank: 0}
`,
			wantErr: "unknown backend",
		},
		{
			name: "disk without path",
			yaml: `
tiers:
  - {name: cold, backend: disk, speed_rank: 0}
`,
			wantErr: "disk.path is required",
		},
		{
			name: "redis without addr",
			yaml: `
tiers:
  - {name: warm, backend: redis, speed_rank: 0}
`,
			wantErr: "redis.addr is required",
		},
		{
			name: "negative capacity",
			yaml: `
tiers:
  - {name: hot, backend: memory, speed_rank: 0, capacity_bytes: -1}
`,
			wantErr: "capacity_bytes must not be negative",
		},
		{
			name: "target below min",
			yaml: `
replication: {min_factor: 3, target_factor: 2, max_factor: 5}
tiers:
  - {name: hot, backend: memory, speed_rank: 0}
`,
			wantErr: "target_factor must be >= min_factor",
		},
		{
			name: "max below target",
			yaml: `
replication: {min_factor: 2, target_factor: 4, max_factor: 3}
tiers:
  - {name: hot, backend: memory, speed_rank: 0}
`,
			wantErr: "max_factor must be >= target_factor",
		},
		{
			name: "heat decay out of range",
			yaml: `
engine: {heat_decay_per_second: 1.5}
tiers:
  - {name: hot, backend: memory, speed_rank: 0}
`,
			wantErr: "heat_decay_per_second must be in (0, 1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
