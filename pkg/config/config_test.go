package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "topology.yaml", cfg.TopologyPath)
	assert.Equal(t, "boot", cfg.RootCapsule)
	assert.Equal(t, 8, cfg.RootDelegationDepth)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CMSR_TOPOLOGY", "/etc/cmsr/topology.yaml")
	t.Setenv("CMSR_ROOT_CAPSULE", "init")
	t.Setenv("CMSR_ROOT_DELEGATION_DEPTH", "3")
	t.Setenv("CMSR_QUOTA_REDIS_ADDR", "redis:6379")
	t.Setenv("CMSR_QUOTA_REDIS_DB", "2")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/etc/cmsr/topology.yaml", cfg.TopologyPath)
	assert.Equal(t, "init", cfg.RootCapsule)
	assert.Equal(t, 3, cfg.RootDelegationDepth)
	assert.Equal(t, "redis:6379", cfg.QuotaRedisAddr)
	assert.Equal(t, 2, cfg.QuotaRedisDB)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
name: default
endpoints:
  telemetry:
    capacity: 128
    ordering: round_robin
    drop_enabled: true
  control:
    capacity: 8
    ordering: fifo
    blocking: true
policy:
  hook_timeout_ms: 25
`))
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 128, p.Endpoints["telemetry"].Capacity)
	assert.True(t, p.Endpoints["telemetry"].DropEnabled)
	assert.True(t, p.Endpoints["control"].Blocking)
	assert.Equal(t, int64(25), p.Policy.HookTimeout().Milliseconds())
}

func TestParseProfileRejectsBadValues(t *testing.T) {
	_, err := ParseProfile([]byte(`endpoints: {}`))
	require.Error(t, err)

	_, err = ParseProfile([]byte(`
name: x
endpoints:
  a: {capacity: -1}
`))
	require.Error(t, err)

	_, err = ParseProfile([]byte(`
name: x
endpoints:
  a: {capacity: 1, ordering: lifo}
`))
	require.Error(t, err)
}
