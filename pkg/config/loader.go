package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader loads and validates configuration.
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader implements Loader with precedence ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix is the
// environment variable prefix (for example "SKYPIER").
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load reads defaults, the optional config file and the environment, and
// returns the validated configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *ViperLoader) setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("service.name", defaults.Service.Name)
	v.SetDefault("service.environment", defaults.Service.Environment)

	v.SetDefault("logger.level", defaults.Logger.Level)
	v.SetDefault("logger.format", defaults.Logger.Format)

	v.SetDefault("redis.url", defaults.Redis.URL)
	v.SetDefault("redis.prefix", defaults.Redis.Prefix)
	v.SetDefault("redis.max_conns", defaults.Redis.MaxConns)
	v.SetDefault("redis.operation_timeout", defaults.Redis.OperationTimeout)

	v.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaults.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)
	v.SetDefault("database.query_timeout", defaults.Database.QueryTimeout)

	v.SetDefault("session.expiry_buffer", defaults.Session.ExpiryBuffer)
	v.SetDefault("session.lock_ttl", defaults.Session.LockTTL)
	v.SetDefault("session.lock_poll_interval", defaults.Session.LockPollInterval)
	v.SetDefault("session.lock_wait_timeout", defaults.Session.LockWaitTimeout)
	v.SetDefault("session.cooldown_window", defaults.Session.CooldownWindow)

	v.SetDefault("upstream.user_base_url", defaults.Upstream.UserBaseURL)
	v.SetDefault("upstream.api_base_url", defaults.Upstream.APIBaseURL)
	v.SetDefault("upstream.http_timeout", defaults.Upstream.HTTPTimeout)
	v.SetDefault("upstream.captcha_mint_interval", defaults.Upstream.CaptchaMintInterval)
	v.SetDefault("upstream.request_timeout", defaults.Upstream.RequestTimeout)
	v.SetDefault("upstream.max_attempts", defaults.Upstream.MaxAttempts)
	v.SetDefault("upstream.rate_limit_delay", defaults.Upstream.RateLimitDelay)
	v.SetDefault("upstream.backoff_base", defaults.Upstream.BackoffBase)
	v.SetDefault("upstream.backoff_max", defaults.Upstream.BackoffMax)
	v.SetDefault("upstream.breaker_threshold", defaults.Upstream.BreakerThreshold)
	v.SetDefault("upstream.breaker_reset", defaults.Upstream.BreakerReset)

	v.SetDefault("scheduler.leader_ttl", defaults.Scheduler.LeaderTTL)
	v.SetDefault("scheduler.renew_interval", defaults.Scheduler.RenewInterval)
	v.SetDefault("scheduler.status_ttl", defaults.Scheduler.StatusTTL)
	v.SetDefault("scheduler.rate_limit_cooldown", defaults.Scheduler.RateLimitCooldown)
	v.SetDefault("scheduler.task_status_interval", defaults.Scheduler.TaskStatusInterval)
	v.SetDefault("scheduler.cleanup_interval", defaults.Scheduler.CleanupInterval)
	v.SetDefault("scheduler.quota_interval", defaults.Scheduler.QuotaInterval)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.port", defaults.Metrics.Port)
}

// bindEnvVars explicitly binds environment variables for nested structs.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	v.BindEnv("logger.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("logger.format", l.prefixedEnv("LOG_FORMAT"))

	v.BindEnv("account.username", l.prefixedEnv("ACCOUNT_USERNAME"))
	v.BindEnv("account.password", l.prefixedEnv("ACCOUNT_PASSWORD"))
	v.BindEnv("account.device_id", l.prefixedEnv("ACCOUNT_DEVICE_ID"))

	v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	v.BindEnv("redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"))
	v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))

	v.BindEnv("database.url", l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("database.max_open_conns", l.prefixedEnv("DATABASE_MAX_OPEN_CONNS"))
	v.BindEnv("database.max_idle_conns", l.prefixedEnv("DATABASE_MAX_IDLE_CONNS"))
	v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DATABASE_CONN_MAX_LIFETIME"))
	v.BindEnv("database.query_timeout", l.prefixedEnv("DATABASE_QUERY_TIMEOUT"))

	v.BindEnv("session.expiry_buffer", l.prefixedEnv("SESSION_EXPIRY_BUFFER"))
	v.BindEnv("session.lock_ttl", l.prefixedEnv("SESSION_LOCK_TTL"))
	v.BindEnv("session.lock_poll_interval", l.prefixedEnv("SESSION_LOCK_POLL_INTERVAL"))
	v.BindEnv("session.lock_wait_timeout", l.prefixedEnv("SESSION_LOCK_WAIT_TIMEOUT"))
	v.BindEnv("session.cooldown_window", l.prefixedEnv("SESSION_COOLDOWN_WINDOW"))

	v.BindEnv("upstream.user_base_url", l.prefixedEnv("UPSTREAM_USER_BASE_URL"))
	v.BindEnv("upstream.api_base_url", l.prefixedEnv("UPSTREAM_API_BASE_URL"))
	v.BindEnv("upstream.http_timeout", l.prefixedEnv("UPSTREAM_HTTP_TIMEOUT"))
	v.BindEnv("upstream.captcha_mint_interval", l.prefixedEnv("UPSTREAM_CAPTCHA_MINT_INTERVAL"))
	v.BindEnv("upstream.request_timeout", l.prefixedEnv("UPSTREAM_REQUEST_TIMEOUT"))
	v.BindEnv("upstream.max_attempts", l.prefixedEnv("UPSTREAM_MAX_ATTEMPTS"))
	v.BindEnv("upstream.rate_limit_delay", l.prefixedEnv("UPSTREAM_RATE_LIMIT_DELAY"))
	v.BindEnv("upstream.backoff_base", l.prefixedEnv("UPSTREAM_BACKOFF_BASE"))
	v.BindEnv("upstream.backoff_max", l.prefixedEnv("UPSTREAM_BACKOFF_MAX"))
	v.BindEnv("upstream.breaker_threshold", l.prefixedEnv("UPSTREAM_BREAKER_THRESHOLD"))
	v.BindEnv("upstream.breaker_reset", l.prefixedEnv("UPSTREAM_BREAKER_RESET"))

	v.BindEnv("scheduler.leader_ttl", l.prefixedEnv("SCHEDULER_LEADER_TTL"))
	v.BindEnv("scheduler.renew_interval", l.prefixedEnv("SCHEDULER_RENEW_INTERVAL"))
	v.BindEnv("scheduler.status_ttl", l.prefixedEnv("SCHEDULER_STATUS_TTL"))
	v.BindEnv("scheduler.rate_limit_cooldown", l.prefixedEnv("SCHEDULER_RATE_LIMIT_COOLDOWN"))
	v.BindEnv("scheduler.task_status_interval", l.prefixedEnv("SCHEDULER_TASK_STATUS_INTERVAL"))
	v.BindEnv("scheduler.cleanup_interval", l.prefixedEnv("SCHEDULER_CLEANUP_INTERVAL"))
	v.BindEnv("scheduler.quota_interval", l.prefixedEnv("SCHEDULER_QUOTA_INTERVAL"))

	v.BindEnv("metrics.enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("metrics.port", l.prefixedEnv("METRICS_PORT"))
}

func (l *ViperLoader) prefixedEnv(name string) string {
	if l.envPrefix == "" {
		return name
	}
	return strings.ToUpper(l.envPrefix) + "_" + name
}
