package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SKYPIER_ACCOUNT_USERNAME", "account@example.com")
	t.Setenv("SKYPIER_ACCOUNT_PASSWORD", "hunter2")
	t.Setenv("SKYPIER_DATABASE_URL", "postgres://localhost:5432/skypier?sslmode=disable")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := NewViperLoader("", "SKYPIER").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.Name != "skypier" {
		t.Errorf("Expected default service name, got %q", cfg.Service.Name)
	}
	if cfg.Session.ExpiryBuffer != 300*time.Second {
		t.Errorf("Expected 300s expiry buffer, got %v", cfg.Session.ExpiryBuffer)
	}
	if cfg.Session.LockTTL != 60*time.Second {
		t.Errorf("Expected 60s lock ttl, got %v", cfg.Session.LockTTL)
	}
	if cfg.Scheduler.LeaderTTL != 120*time.Second {
		t.Errorf("Expected 120s leader ttl, got %v", cfg.Scheduler.LeaderTTL)
	}
	if cfg.Upstream.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.Upstream.MaxAttempts)
	}
	if cfg.Upstream.RateLimitDelay != 30*time.Second {
		t.Errorf("Expected 30s rate limit delay, got %v", cfg.Upstream.RateLimitDelay)
	}
	if cfg.Upstream.BackoffBase != time.Second || cfg.Upstream.BackoffMax != 60*time.Second {
		t.Errorf("Expected 1s/60s backoff envelope, got %v/%v", cfg.Upstream.BackoffBase, cfg.Upstream.BackoffMax)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("SKYPIER_SESSION_LOCK_TTL", "90s")
	t.Setenv("SKYPIER_REDIS_URL", "redis://redis.internal:6379/2")
	t.Setenv("SKYPIER_LOG_LEVEL", "debug")
	t.Setenv("SKYPIER_METRICS_ENABLED", "false")
	t.Setenv("SKYPIER_UPSTREAM_BACKOFF_BASE", "2s")
	t.Setenv("SKYPIER_UPSTREAM_BACKOFF_MAX", "45s")

	cfg, err := NewViperLoader("", "SKYPIER").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Session.LockTTL != 90*time.Second {
		t.Errorf("Expected env override 90s, got %v", cfg.Session.LockTTL)
	}
	if cfg.Redis.URL != "redis://redis.internal:6379/2" {
		t.Errorf("Expected env redis url, got %q", cfg.Redis.URL)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Expected debug level, got %q", cfg.Logger.Level)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled via env")
	}
	if cfg.Upstream.BackoffBase != 2*time.Second || cfg.Upstream.BackoffMax != 45*time.Second {
		t.Errorf("Expected env backoff 2s/45s, got %v/%v", cfg.Upstream.BackoffBase, cfg.Upstream.BackoffMax)
	}
}

func TestLoadConfigFile(t *testing.T) {
	validEnv(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "skypier.yaml")
	body := strings.Join([]string{
		"session:",
		"  cooldown_window: 5m",
		"scheduler:",
		"  task_status_interval: 10m",
	}, "\n")
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := NewViperLoader(file, "SKYPIER").Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.CooldownWindow != 5*time.Minute {
		t.Errorf("Expected 5m cooldown from file, got %v", cfg.Session.CooldownWindow)
	}
	if cfg.Scheduler.TaskStatusInterval != 10*time.Minute {
		t.Errorf("Expected 10m interval from file, got %v", cfg.Scheduler.TaskStatusInterval)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	validEnv(t)
	if _, err := NewViperLoader("/nonexistent/skypier.yaml", "SKYPIER").Load(); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{"missing username", func(c *Config) { c.Account.Username = "" }, "account.username"},
		{"missing password", func(c *Config) { c.Account.Password = "" }, "account.password"},
		{"missing redis url", func(c *Config) { c.Redis.URL = "" }, "redis.url"},
		{"missing database url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"zero lock ttl", func(c *Config) { c.Session.LockTTL = 0 }, "session.lock_ttl"},
		{"wait shorter than poll", func(c *Config) {
			c.Session.LockWaitTimeout = time.Millisecond
			c.Session.LockPollInterval = time.Second
		}, "lock_wait_timeout"},
		{"leader ttl below renew", func(c *Config) {
			c.Scheduler.LeaderTTL = 30 * time.Second
			c.Scheduler.RenewInterval = 60 * time.Second
		}, "leader_ttl"},
		{"backoff max below base", func(c *Config) {
			c.Upstream.BackoffBase = 10 * time.Second
			c.Upstream.BackoffMax = time.Second
		}, "backoff_max"},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Account.Username = "account@example.com"
			cfg.Account.Password = "hunter2"
			cfg.Database.URL = "postgres://localhost/skypier"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("Expected %q in error, got %v", tt.problem, err)
			}
		})
	}
}
