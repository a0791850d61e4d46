package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Account   AccountConfig   `mapstructure:"account"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AccountConfig holds the upstream account identity.
type AccountConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// DeviceID defaults to a hash of the credentials when empty.
	DeviceID string `mapstructure:"device_id"`
}

// RedisConfig configures the shared coordination store.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DatabaseConfig configures the durable credential store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// SessionConfig controls login coordination.
type SessionConfig struct {
	ExpiryBuffer     time.Duration `mapstructure:"expiry_buffer"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`
	LockWaitTimeout  time.Duration `mapstructure:"lock_wait_timeout"`
	CooldownWindow   time.Duration `mapstructure:"cooldown_window"`
}

// UpstreamConfig controls the upstream client and the protected call envelope.
type UpstreamConfig struct {
	UserBaseURL         string        `mapstructure:"user_base_url"`
	APIBaseURL          string        `mapstructure:"api_base_url"`
	HTTPTimeout         time.Duration `mapstructure:"http_timeout"`
	CaptchaMintInterval time.Duration `mapstructure:"captcha_mint_interval"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RateLimitDelay      time.Duration `mapstructure:"rate_limit_delay"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerReset        time.Duration `mapstructure:"breaker_reset"`
}

// SchedulerConfig controls leader election and the maintenance jobs.
type SchedulerConfig struct {
	LeaderTTL          time.Duration `mapstructure:"leader_ttl"`
	RenewInterval      time.Duration `mapstructure:"renew_interval"`
	StatusTTL          time.Duration `mapstructure:"status_ttl"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	TaskStatusInterval time.Duration `mapstructure:"task_status_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	QuotaInterval      time.Duration `mapstructure:"quota_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "skypier",
			Environment: "production",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			URL:              "redis://localhost:6379/0",
			Prefix:           "skypier",
			MaxConns:         10,
			OperationTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 5,
			MaxIdleConns: 2,
			QueryTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			ExpiryBuffer:     300 * time.Second,
			LockTTL:          60 * time.Second,
			LockPollInterval: 500 * time.Millisecond,
			LockWaitTimeout:  60 * time.Second,
			CooldownWindow:   120 * time.Second,
		},
		Upstream: UpstreamConfig{
			HTTPTimeout:         30 * time.Second,
			CaptchaMintInterval: 2 * time.Second,
			RequestTimeout:      60 * time.Second,
			MaxAttempts:         3,
			RateLimitDelay:      30 * time.Second,
			BackoffBase:         time.Second,
			BackoffMax:          60 * time.Second,
			BreakerThreshold:    5,
			BreakerReset:        60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LeaderTTL:          120 * time.Second,
			RenewInterval:      60 * time.Second,
			StatusTTL:          time.Hour,
			RateLimitCooldown:  15 * time.Minute,
			TaskStatusInterval: 15 * time.Minute,
			CleanupInterval:    24 * time.Hour,
			QuotaInterval:      3 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks that the configuration can support a running daemon.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Account.Username) == "" {
		problems = append(problems, "account.username is required")
	}
	if strings.TrimSpace(c.Account.Password) == "" {
		problems = append(problems, "account.password is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		problems = append(problems, "redis.url is required")
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		problems = append(problems, "database.url is required")
	}
	if c.Session.LockTTL <= 0 {
		problems = append(problems, "session.lock_ttl must be > 0")
	}
	if c.Session.LockPollInterval <= 0 {
		problems = append(problems, "session.lock_poll_interval must be > 0")
	}
	if c.Session.LockWaitTimeout < c.Session.LockPollInterval {
		problems = append(problems, "session.lock_wait_timeout must cover at least one poll interval")
	}
	if c.Upstream.MaxAttempts <= 0 {
		problems = append(problems, "upstream.max_attempts must be > 0")
	}
	if c.Upstream.BackoffMax < c.Upstream.BackoffBase {
		problems = append(problems, "upstream.backoff_max must be >= upstream.backoff_base")
	}
	if c.Scheduler.LeaderTTL <= c.Scheduler.RenewInterval {
		problems = append(problems, "scheduler.leader_ttl must exceed scheduler.renew_interval")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, fmt.Sprintf("metrics.port %d is out of range", c.Metrics.Port))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
