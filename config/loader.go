// Package config loads the node configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/swarmgrid/persistence"
	"github.com/openclaw/swarmgrid/transport"
)

// Config is the complete node configuration.
type Config struct {
	// Node identifies this agent in the swarm.
	Node NodeConfig `yaml:"node" env:"NODE"`

	// Orchestrator tunes the task-dispatch state machine.
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Store selects and configures the durable record journal.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Audit configures the signed audit log.
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// RateLimit sizes the transport token buckets.
	RateLimit transport.RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Federation configures cross-platform trust.
	Federation FederationConfig `yaml:"federation" env:"FEDERATION"`

	// Metrics configures the prometheus collector.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// NodeConfig identifies the local agent.
type NodeConfig struct {
	// AgentID is stamped on outgoing requests and audit entries.
	AgentID string `yaml:"agent_id" env:"AGENT_ID"`
}

// OrchestratorConfig tunes dispatch timing and the retry budget.
type OrchestratorConfig struct {
	// DefaultTimeout is the per-send deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// MaxRetries is the number of extra sends after the first.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// RetryDelay is the cooldown between deadline breach and resend.
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	// MaintenanceInterval is the polling period of the maintenance pass.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" env:"MAINTENANCE_INTERVAL"`
}

// StoreConfig selects the record journal backend.
type StoreConfig struct {
	// Backend is memory, file, or redis.
	Backend string `yaml:"backend" env:"BACKEND"`

	// FilePath is the journal file for the file backend.
	FilePath string `yaml:"file_path" env:"FILE_PATH"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the redis record store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// AuditConfig configures the signed audit log.
type AuditConfig struct {
	// Secret keys the HMAC signatures.
	Secret string `yaml:"secret" env:"SECRET"`

	// KeyID names the signing key inside each entry.
	KeyID string `yaml:"key_id" env:"KEY_ID"`

	// FilePath mirrors the chain to an append-only file when set.
	FilePath string `yaml:"file_path" env:"FILE_PATH"`
}

// FederationConfig configures cross-platform trust.
type FederationConfig struct {
	// TenantID is the local tenant for boundary checks.
	TenantID string `yaml:"tenant_id" env:"TENANT_ID"`

	// MaxAgeMs caps the accepted envelope age in milliseconds.
	MaxAgeMs int64 `yaml:"max_age_ms" env:"MAX_AGE_MS"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	// Addr is the listen address of the metrics and health endpoint.
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`

	// OutputPaths lists the log sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// StoreConfig converts the YAML shape into the persistence layer's config.
func (c *Config) StoreConfig() persistence.StoreConfig {
	return persistence.StoreConfig{
		Type:     persistence.StoreType(c.Store.Backend),
		FilePath: c.Store.FilePath,
		Redis: persistence.RedisStoreConfig{
			Addr:      c.Store.Redis.Addr,
			Password:  c.Store.Redis.Password,
			DB:        c.Store.Redis.DB,
			PoolSize:  c.Store.Redis.PoolSize,
			KeyPrefix: c.Store.Redis.KeyPrefix,
		},
	}
}

// Loader loads a Config with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the SWARMGRID env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SWARMGRID",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and environment variables still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then the YAML file, then
// environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}
		if envTag == "" {
			// nested third-party config structs carry no env tags; derive
			// the key from the field name
			envTag = strings.ToUpper(toSnake(fieldType.Name))
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

func toSnake(name string) string {
	var out strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			out.WriteByte('_')
		}
		out.WriteRune(r)
	}
	return out.String()
}

// MustLoad loads the configuration from a file and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.AgentID == "" {
		errs = append(errs, "node agent_id is required")
	}
	if c.Orchestrator.DefaultTimeout <= 0 {
		errs = append(errs, "orchestrator default_timeout must be positive")
	}
	if c.Orchestrator.MaxRetries < 0 {
		errs = append(errs, "orchestrator max_retries must be non-negative")
	}
	switch c.Store.Backend {
	case "", "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Backend == "file" && c.Store.FilePath == "" {
		errs = append(errs, "store file_path is required for the file backend")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		errs = append(errs, "store redis addr is required for the redis backend")
	}
	if c.Audit.Secret == "" {
		errs = append(errs, "audit secret is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
