// Package config loads the orchestrator configuration from YAML with
// environment overrides and provides hot-reload of runtime tunables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StoreConfig holds database settings. Driver is "postgres" or "sqlite3".
type StoreConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxConnections  int    `mapstructure:"max_connections"`
	IdleConnections int    `mapstructure:"idle_connections"`
}

// RedisConfig enables the optional Redis event mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig configures subscriber/owner authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens. Empty disables
	// authentication (embedded and test runs).
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EngineConfig carries the scheduling and retry tunables.
type EngineConfig struct {
	GlobalParallelism              int    `mapstructure:"global_parallelism"`
	ParallelismPerExecution        int    `mapstructure:"parallelism_per_execution"`
	DefaultTaskTimeoutSeconds      int    `mapstructure:"default_task_timeout_seconds"`
	DefaultExecutionTimeoutSeconds int    `mapstructure:"default_execution_timeout_seconds"`
	DefaultRetryCount              int    `mapstructure:"default_retry_count"`
	RetryBaseMs                    int    `mapstructure:"retry_base_ms"`
	RetryCapMs                     int    `mapstructure:"retry_cap_ms"`
	RetryJitter                    string `mapstructure:"retry_jitter"`
	CancellationGraceSeconds       int    `mapstructure:"cancellation_grace_seconds"`
	OrphanPolicy                   string `mapstructure:"orphan_policy"`
	SubmitRatePerSecond            int    `mapstructure:"submit_rate_per_second"`
	SubmitBurst                    int    `mapstructure:"submit_burst"`
}

// RetryBase returns the backoff base as a duration.
func (e EngineConfig) RetryBase() time.Duration { return time.Duration(e.RetryBaseMs) * time.Millisecond }

// RetryCap returns the backoff cap as a duration.
func (e EngineConfig) RetryCap() time.Duration { return time.Duration(e.RetryCapMs) * time.Millisecond }

// CancellationGrace returns the grace window as a duration.
func (e EngineConfig) CancellationGrace() time.Duration {
	return time.Duration(e.CancellationGraceSeconds) * time.Second
}

// PagePoolConfig bounds the browser page pool.
type PagePoolConfig struct {
	Max         int    `mapstructure:"max"`
	MaxIdle     int    `mapstructure:"max_idle"`
	ResetPolicy string `mapstructure:"reset_policy"`
}

// EventsConfig tunes subscriber delivery.
type EventsConfig struct {
	SubscriberQueueDepth int    `mapstructure:"subscriber_queue_depth"`
	OverflowPolicy       string `mapstructure:"overflow_policy"`
	HeartbeatSeconds     int    `mapstructure:"heartbeat_seconds"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	PagePool PagePoolConfig `mapstructure:"page_pool"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:orchestrator.db?_fk=1")
	v.SetDefault("store.max_connections", 25)
	v.SetDefault("store.idle_connections", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("engine.global_parallelism", 16)
	v.SetDefault("engine.parallelism_per_execution", 1)
	v.SetDefault("engine.default_task_timeout_seconds", 30)
	v.SetDefault("engine.default_execution_timeout_seconds", 0)
	v.SetDefault("engine.default_retry_count", 3)
	v.SetDefault("engine.retry_base_ms", 1000)
	v.SetDefault("engine.retry_cap_ms", 30000)
	v.SetDefault("engine.retry_jitter", "full")
	v.SetDefault("engine.cancellation_grace_seconds", 5)
	v.SetDefault("engine.orphan_policy", "fail")
	v.SetDefault("engine.submit_rate_per_second", 50)
	v.SetDefault("engine.submit_burst", 100)

	v.SetDefault("page_pool.max", 5)
	v.SetDefault("page_pool.max_idle", 0)
	v.SetDefault("page_pool.reset_policy", "full")

	v.SetDefault("events.subscriber_queue_depth", 256)
	v.SetDefault("events.overflow_policy", "slow-consumer-drop")
	v.SetDefault("events.heartbeat_seconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file (optional) with ORCH_*
// environment overrides, e.g. ORCH_ENGINE_GLOBAL_PARALLELISM=32.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults, used by tests and embedded runs.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.GlobalParallelism < 1 {
		return fmt.Errorf("engine.global_parallelism must be >= 1, got %d", c.Engine.GlobalParallelism)
	}
	if c.Engine.ParallelismPerExecution < 1 {
		return fmt.Errorf("engine.parallelism_per_execution must be >= 1, got %d", c.Engine.ParallelismPerExecution)
	}
	if c.Engine.RetryBaseMs <= 0 || c.Engine.RetryCapMs < c.Engine.RetryBaseMs {
		return fmt.Errorf("invalid retry backoff bounds: base=%dms cap=%dms", c.Engine.RetryBaseMs, c.Engine.RetryCapMs)
	}
	switch c.Engine.OrphanPolicy {
	case "fail", "resume":
	default:
		return fmt.Errorf("engine.orphan_policy must be \"fail\" or \"resume\", got %q", c.Engine.OrphanPolicy)
	}
	switch c.Events.OverflowPolicy {
	case "slow-consumer-drop":
	default:
		return fmt.Errorf("unsupported events.overflow_policy %q", c.Events.OverflowPolicy)
	}
	if c.PagePool.Max < 1 {
		return fmt.Errorf("page_pool.max must be >= 1, got %d", c.PagePool.Max)
	}
	return nil
}
