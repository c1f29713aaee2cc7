package core

import "time"

// Environment variable names. config.FabricConfig.LoadEnv reads
// EnvRedisURL, EnvNamespace, EnvLogFormat and EnvLogLevel; component
// constructors do not read the environment, and EnvDevMode is not read
// anywhere in this module.
const (
	EnvRedisURL   = "FABRIC_REDIS_URL"
	EnvNamespace  = "FABRIC_NAMESPACE"
	EnvDevMode    = "FABRIC_DEV_MODE"
	EnvLogFormat  = "FABRIC_LOG_FORMAT" // "json" or "text"
	EnvLogLevel   = "FABRIC_LOG_LEVEL"
)

// Redis logical database separation, mirroring the teacher's pattern of
// isolating concerns by DB index rather than key prefix alone.
const (
	RedisDBRegistry = 0
	RedisDBQueue    = 1
	RedisDBMemory   = 2
	RedisDBGateway  = 3
)

// Default namespace and TTLs shared across components unless overridden.
const (
	DefaultNamespace = "fabric"

	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTTL      = 30 * time.Second

	DefaultMessageTTL    = 5 * time.Minute
	DefaultDedupWindow   = 1 * time.Minute
	DefaultLockTTL       = 30 * time.Second
	DefaultConflictWait  = 10 * time.Second

	DefaultTaskTimeout     = 5 * time.Minute
	DefaultWorkflowTimeout = 30 * time.Minute

	DefaultCacheTTL = 1 * time.Minute
)
