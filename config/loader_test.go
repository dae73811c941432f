package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/swarmgrid/persistence"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "agent:orchestrator", cfg.Node.AgentID)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.DefaultTimeout)
	assert.Equal(t, 1, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, float64(10), cfg.RateLimit.GlobalRate)
	assert.Equal(t, "swarmgrid", cfg.Metrics.Namespace)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
node:
  agent_id: agent:edge-7
orchestrator:
  default_timeout: 45s
  max_retries: 3
  retry_delay: 2s
store:
  backend: file
  file_path: /var/lib/swarmgrid/tasks.jsonl
audit:
  secret: file-secret
rate_limit:
  global_rate: 25
  global_burst: 100
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "agent:edge-7", cfg.Node.AgentID)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.DefaultTimeout)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RetryDelay)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/swarmgrid/tasks.jsonl", cfg.Store.FilePath)
	assert.Equal(t, "file-secret", cfg.Audit.Secret)
	assert.Equal(t, float64(25), cfg.RateLimit.GlobalRate)
	assert.Equal(t, 100, cfg.RateLimit.GlobalBurst)

	// untouched sections keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.MaintenanceInterval)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMGRID_NODE_AGENT_ID", "agent:env")
	t.Setenv("SWARMGRID_ORCHESTRATOR_DEFAULT_TIMEOUT", "90s")
	t.Setenv("SWARMGRID_STORE_BACKEND", "redis")
	t.Setenv("SWARMGRID_STORE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("SWARMGRID_AUDIT_SECRET", "env-secret")
	t.Setenv("SWARMGRID_RATE_LIMIT_GLOBAL_RATE", "99")
	t.Setenv("SWARMGRID_LOG_OUTPUT_PATHS", "stderr, /var/log/swarmgrid.log")
	t.Setenv("SWARMGRID_METRICS_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "agent:env", cfg.Node.AgentID)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.DefaultTimeout)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "env-secret", cfg.Audit.Secret)
	assert.Equal(t, float64(99), cfg.RateLimit.GlobalRate)
	assert.Equal(t, []string{"stderr", "/var/log/swarmgrid.log"}, cfg.Log.OutputPaths)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
node:
  agent_id: agent:file
`)
	t.Setenv("SWARMGRID_NODE_AGENT_ID", "agent:env-wins")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "agent:env-wins", cfg.Node.AgentID)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_NODE_AGENT_ID", "agent:prefixed")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "agent:prefixed", cfg.Node.AgentID)
}

func TestValidators(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit secret is required")

	t.Setenv("SWARMGRID_AUDIT_SECRET", "s3cret")
	cfg, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInconsistentValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Secret = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Store.Backend = "cassandra"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store backend "cassandra"`)

	cfg.Store.Backend = "file"
	cfg.Store.FilePath = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path is required")
}

func TestStoreConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = "redis.internal:6379"
	cfg.Store.Redis.KeyPrefix = "grid:"

	storeConfig := cfg.StoreConfig()
	assert.Equal(t, persistence.StoreTypeRedis, storeConfig.Type)
	assert.Equal(t, "redis.internal:6379", storeConfig.Redis.Addr)
	assert.Equal(t, "grid:", storeConfig.Redis.KeyPrefix)
}
