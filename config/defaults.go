package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openclaw/swarmgrid/transport"
)

// DefaultConfig returns the baseline configuration. Every loader run
// starts from these values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			AgentID: "agent:orchestrator",
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeout:      30 * time.Second,
			MaxRetries:          1,
			RetryDelay:          500 * time.Millisecond,
			MaintenanceInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "memory",
			FilePath: "./data/tasks.jsonl",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				PoolSize:  10,
				KeyPrefix: "swarmgrid:",
			},
		},
		Audit: AuditConfig{
			KeyID: "default",
		},
		RateLimit: transport.DefaultRateLimitConfig(),
		Federation: FederationConfig{
			MaxAgeMs: 5 * 60 * 1000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "swarmgrid",
			Addr:      ":9090",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
	}
}

// BuildLogger constructs a zap logger from the log section.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if c.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if len(c.OutputPaths) > 0 {
		zapConfig.OutputPaths = c.OutputPaths
	}

	return zapConfig.Build()
}
