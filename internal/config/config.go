// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis holds connection and pool settings for the store driver (C2).
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	MinPoolSize        int           `mapstructure:"min_pool_size"`
	MaxPoolSize        int           `mapstructure:"max_pool_size"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	HealthCheckPeriod  time.Duration `mapstructure:"health_check_period"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMaxTries  int           `mapstructure:"reconnect_max_tries"`
}

// Backoff describes a base/max pair shared by several backoff computations.
type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Retry carries the default retry policy (§6, §7) applied when a job's
// own config does not override a field.
type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Backoff      string        `mapstructure:"backoff"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
	Enabled      bool          `mapstructure:"enabled"`
}

// Maintenance holds the periods and thresholds for the C9 background loops.
type Maintenance struct {
	PromoteInterval    time.Duration `mapstructure:"promote_interval"`
	PromoteBatchSize   int           `mapstructure:"promote_batch_size"`
	StallInterval      time.Duration `mapstructure:"stall_interval"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	MaxStallCount      int           `mapstructure:"max_stall_count"`
	CleanInterval      time.Duration `mapstructure:"clean_interval"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	CancelledRetention time.Duration `mapstructure:"cancelled_retention"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
	ServerHeartbeatTTL time.Duration `mapstructure:"server_heartbeat_ttl"`
}

// Worker holds the claim/execute loop's tunables (C8).
type Worker struct {
	Concurrency          int           `mapstructure:"concurrency"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	LockRenewalDivisor   int           `mapstructure:"lock_renewal_divisor"`
	ClaimScanLimit       int           `mapstructure:"claim_scan_limit"`
	LocalClaimRatePerSec float64       `mapstructure:"local_claim_rate_per_sec"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

// Idempotency holds defaults for C3's idempotency/fingerprint indexes.
type Idempotency struct {
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// CircuitBreaker guards a worker's claim loop against a store that is
// erroring rather than simply empty, so a struggling Redis doesn't get
// hammered by every idle worker's tick.
type CircuitBreaker struct {
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Observability covers the ambient logging concern only; metrics export is
// explicitly out of scope for the core (spec §1).
type Observability struct {
	LogLevel string `mapstructure:"log_level"`
}

type Config struct {
	Namespace      string         `mapstructure:"namespace"`
	Redis          Redis          `mapstructure:"redis"`
	Retry          Retry          `mapstructure:"retry"`
	Maintenance    Maintenance    `mapstructure:"maintenance"`
	Worker         Worker         `mapstructure:"worker"`
	Idempotency    Idempotency    `mapstructure:"idempotency"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Namespace: "bridgemq",
		Redis: Redis{
			Addr:               "localhost:6379",
			MinPoolSize:        5,
			MaxPoolSize:        50,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			AcquireTimeout:     3 * time.Second,
			HealthCheckPeriod:  30 * time.Second,
			ReconnectBaseDelay: 250 * time.Millisecond,
			ReconnectMaxDelay:  10 * time.Second,
			ReconnectMaxTries:  8,
		},
		Retry: Retry{
			MaxAttempts:  3,
			Backoff:      "exponential",
			BaseDelay:    1 * time.Second,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.2,
			Enabled:      true,
		},
		Maintenance: Maintenance{
			PromoteInterval:    1 * time.Second,
			PromoteBatchSize:   100,
			StallInterval:      30 * time.Second,
			StallTimeout:       5 * time.Minute,
			MaxStallCount:      3,
			CleanInterval:      5 * time.Minute,
			CompletedRetention: 24 * time.Hour,
			CancelledRetention: 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
			ServerHeartbeatTTL: 5 * time.Minute,
		},
		Worker: Worker{
			Concurrency:          4,
			TickInterval:         100 * time.Millisecond,
			ShutdownTimeout:      30 * time.Second,
			LockRenewalDivisor:   3,
			ClaimScanLimit:       100,
			LocalClaimRatePerSec: 50,
			HeartbeatInterval:    100 * time.Second,
		},
		Idempotency: Idempotency{
			DefaultWindow: 1 * time.Hour,
		},
		CircuitBreaker: CircuitBreaker{
			Window:           30 * time.Second,
			CooldownPeriod:   5 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       10,
		},
		Observability: Observability{
			LogLevel: "info",
		},
	}
}

// Load reads configuration from a YAML file (if present) and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("namespace", def.Namespace)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.username", def.Redis.Username)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.min_pool_size", def.Redis.MinPoolSize)
	v.SetDefault("redis.max_pool_size", def.Redis.MaxPoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.acquire_timeout", def.Redis.AcquireTimeout)
	v.SetDefault("redis.health_check_period", def.Redis.HealthCheckPeriod)
	v.SetDefault("redis.reconnect_base_delay", def.Redis.ReconnectBaseDelay)
	v.SetDefault("redis.reconnect_max_delay", def.Redis.ReconnectMaxDelay)
	v.SetDefault("redis.reconnect_max_tries", def.Redis.ReconnectMaxTries)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", def.Retry.Backoff)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("retry.jitter_factor", def.Retry.JitterFactor)
	v.SetDefault("retry.enabled", def.Retry.Enabled)

	v.SetDefault("maintenance.promote_interval", def.Maintenance.PromoteInterval)
	v.SetDefault("maintenance.promote_batch_size", def.Maintenance.PromoteBatchSize)
	v.SetDefault("maintenance.stall_interval", def.Maintenance.StallInterval)
	v.SetDefault("maintenance.stall_timeout", def.Maintenance.StallTimeout)
	v.SetDefault("maintenance.max_stall_count", def.Maintenance.MaxStallCount)
	v.SetDefault("maintenance.clean_interval", def.Maintenance.CleanInterval)
	v.SetDefault("maintenance.completed_retention", def.Maintenance.CompletedRetention)
	v.SetDefault("maintenance.cancelled_retention", def.Maintenance.CancelledRetention)
	v.SetDefault("maintenance.failed_retention", def.Maintenance.FailedRetention)
	v.SetDefault("maintenance.server_heartbeat_ttl", def.Maintenance.ServerHeartbeatTTL)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.tick_interval", def.Worker.TickInterval)
	v.SetDefault("worker.shutdown_timeout", def.Worker.ShutdownTimeout)
	v.SetDefault("worker.lock_renewal_divisor", def.Worker.LockRenewalDivisor)
	v.SetDefault("worker.claim_scan_limit", def.Worker.ClaimScanLimit)
	v.SetDefault("worker.local_claim_rate_per_sec", def.Worker.LocalClaimRatePerSec)
	v.SetDefault("worker.heartbeat_interval", def.Worker.HeartbeatInterval)

	v.SetDefault("idempotency.default_window", def.Idempotency.DefaultWindow)

	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Namespace == "" {
		return fmt.Errorf("namespace must be non-empty")
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.TickInterval <= 0 {
		return fmt.Errorf("worker.tick_interval must be > 0")
	}
	if cfg.Redis.AcquireTimeout <= 0 {
		return fmt.Errorf("redis.acquire_timeout must be > 0")
	}
	if cfg.Redis.MinPoolSize < 1 || cfg.Redis.MaxPoolSize < cfg.Redis.MinPoolSize {
		return fmt.Errorf("redis.max_pool_size must be >= redis.min_pool_size >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	switch cfg.Retry.Backoff {
	case "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("retry.backoff must be one of exponential|linear|fixed, got %q", cfg.Retry.Backoff)
	}
	if cfg.Retry.JitterFactor < 0 || cfg.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be within [0, 1]")
	}
	if cfg.Maintenance.MaxStallCount < 1 {
		return fmt.Errorf("maintenance.max_stall_count must be >= 1")
	}
	if cfg.Maintenance.PromoteBatchSize < 1 || cfg.Maintenance.PromoteBatchSize > 100 {
		return fmt.Errorf("maintenance.promote_batch_size must be within [1, 100]")
	}
	return nil
}
