// Package config loads process-level configuration for the fabric: a
// YAML file of non-secret tunables, overridden by a small set of
// environment variables for values that should never live in a
// committed file (Redis URL, webhook signing secrets). It mirrors the
// teacher's core.Config in spirit — layered defaults, then env, then
// explicit overrides — reduced to the fields this fabric actually needs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/revoagent/fabric/core"
)

// RedisConfig names the backing KV/Bus connection shared by kv, queue,
// registry, memory, and gateway.
type RedisConfig struct {
	URL string `yaml:"url" env:"FABRIC_REDIS_URL"`
	DB  int    `yaml:"db"`
}

// RegistryConfig tunes C3.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// QueueConfig tunes C2.
type QueueConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	MessageTTL  time.Duration `yaml:"message_ttl"`
}

// MemoryConfig tunes C4.
type MemoryConfig struct {
	DefaultConflictStrategy string        `yaml:"default_conflict_strategy"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	LockPollInterval        time.Duration `yaml:"lock_poll_interval"`
	CacheCapacity           int           `yaml:"cache_capacity"`
}

// WorkflowConfig tunes C5.
type WorkflowConfig struct {
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`
}

// GatewayConfig holds default tunables for C6. Nothing in this module
// copies them into a gateway IntegrationConfig; the gateway package does
// not read FabricConfig.
type GatewayConfig struct {
	DefaultRateLimitRPS   float64       `yaml:"default_rate_limit_rps"`
	DefaultRateLimitBurst int           `yaml:"default_rate_limit_burst"`
	DefaultMaxRetries     int           `yaml:"default_max_retries"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
}

// WebhookConfig tunes C7's worker pool; per-endpoint signing secrets are
// never read from this file (see LoadEnv).
type WebhookConfig struct {
	WorkerCount int `yaml:"worker_count"`
}

// FabricConfig is the root configuration document.
type FabricConfig struct {
	Namespace string `yaml:"namespace"`

	Redis    RedisConfig    `yaml:"redis"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Memory   MemoryConfig   `yaml:"memory"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Webhook  WebhookConfig  `yaml:"webhook"`

	Logging core.LoggingConfig `yaml:"logging"`

	// WebhookSecrets maps event type to HMAC signing secret. Populated
	// only from the environment (FABRIC_WEBHOOK_SECRET_<EVENT_TYPE>),
	// never from the YAML file, so secrets never land in a committed
	// config.
	WebhookSecrets map[string]string `yaml:"-"`
}

// Default returns a FabricConfig populated with the same defaults
// components already fall back to when constructed without an explicit
// Option (core.DefaultNamespace, core.DefaultLockTTL, etc.), so loading
// an empty or partial file still yields a runnable configuration.
func Default() *FabricConfig {
	return &FabricConfig{
		Namespace: core.DefaultNamespace,
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
			DB:  core.RedisDBRegistry,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: core.DefaultHeartbeatInterval,
			HeartbeatTTL:      core.DefaultHeartbeatTTL,
		},
		Queue: QueueConfig{
			DedupWindow: core.DefaultDedupWindow,
			MessageTTL:  core.DefaultMessageTTL,
		},
		Memory: MemoryConfig{
			DefaultConflictStrategy: "LAST_WRITER_WINS",
			LockTTL:                 core.DefaultLockTTL,
			LockPollInterval:        100 * time.Millisecond,
			CacheCapacity:           10000,
		},
		Workflow: WorkflowConfig{
			TaskTimeout:     core.DefaultTaskTimeout,
			WorkflowTimeout: core.DefaultWorkflowTimeout,
		},
		Gateway: GatewayConfig{
			DefaultRateLimitRPS:   10,
			DefaultRateLimitBurst: 20,
			DefaultMaxRetries:     3,
			DefaultTimeout:        30 * time.Second,
			CacheTTL:              core.DefaultCacheTTL,
		},
		Webhook: WebhookConfig{
			WorkerCount: 4,
		},
		Logging:        core.DefaultLoggingConfig(),
		WebhookSecrets: make(map[string]string),
	}
}

// Load reads a YAML file at path over top of Default(), then applies
// environment overrides via LoadEnv. A missing path is not an error —
// Default() alone is a valid configuration for local development.
func Load(path string) (*FabricConfig, error) {
	cfg := Default()

	if path != "" {
		clean := filepath.Clean(path)
		data, err := os.ReadFile(clean)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, core.NewFrameworkError("config.Load", "config",
					fmt.Errorf("config file %s does not exist: %w", clean, core.ErrNotFound))
			}
			return nil, core.NewFrameworkError("config.Load", "config", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, core.NewFrameworkError("config.Load", "config",
				fmt.Errorf("parsing %s: %w", clean, core.ErrInvalidConfiguration))
		}
	}

	cfg.LoadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv overlays the handful of environment variables that carry
// secrets or deployment-specific endpoints. These always win over the
// YAML file regardless of load order.
func (c *FabricConfig) LoadEnv() {
	if v := os.Getenv(core.EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(core.EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv(core.EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(core.EnvLogLevel); v != "" {
		c.Logging.Level = v
	}

	if c.WebhookSecrets == nil {
		c.WebhookSecrets = make(map[string]string)
	}
	const prefix = "FABRIC_WEBHOOK_SECRET_"
	for _, kv := range os.Environ() {
		name, value, ok := splitEnv(kv)
		if !ok || len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		eventType := name[len(prefix):]
		c.WebhookSecrets[eventType] = value
	}
}

func splitEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// Validate reports whether cfg is runnable.
func (c *FabricConfig) Validate() error {
	if c.Namespace == "" {
		return core.NewFrameworkError("config.Validate", "config",
			fmt.Errorf("namespace is required: %w", core.ErrInvalidConfiguration))
	}
	if c.Redis.URL == "" {
		return core.NewFrameworkError("config.Validate", "config",
			fmt.Errorf("redis url is required: %w", core.ErrInvalidConfiguration))
	}
	if c.Webhook.WorkerCount <= 0 {
		return core.NewFrameworkError("config.Validate", "config",
			fmt.Errorf("webhook worker count must be positive: %w", core.ErrInvalidConfiguration))
	}
	if c.Memory.CacheCapacity <= 0 {
		return core.NewFrameworkError("config.Validate", "config",
			fmt.Errorf("memory cache capacity must be positive: %w", core.ErrInvalidConfiguration))
	}
	return nil
}
