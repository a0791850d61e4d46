package coordination

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skypier/skypier/pkg/observability/logger"
)

const (
	defaultKeyPrefix        = "skypier"
	defaultOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisConfig configures the Redis-backed coordination store.
type RedisConfig struct {
	URL              string
	Prefix           string
	MaxConns         int
	OperationTimeout time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultKeyPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// RedisStore implements Store and LeaseProvider on a Redis instance using
// SET NX PX semantics for leases and plain TTL keys for markers.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisConfig
}

// NewRedisStore creates a Redis coordination store and verifies connectivity.
func NewRedisStore(cfg RedisConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, coordError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, coordError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(coordError(ErrInvalidArgument, "parse redis url failed"), err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(coordError(ErrRetryable, "ping redis failed"), err)
	}

	log.Info("coordination store connected",
		"prefix", cfg.Prefix,
		"operation_timeout", cfg.OperationTimeout,
	)

	return &RedisStore{
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

// SetIfAbsent atomically stores value under key only when the key is absent.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, coordError(ErrNotInitialized, "redis store is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, coordError(ErrInvalidArgument, "key is required")
	}
	if ttl <= 0 {
		return false, coordError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	ok, err := s.client.SetNX(opCtx, s.fullKey(key), value, ttl).Result()
	if err != nil {
		return false, errors.Join(coordError(ErrRetryable, "setnx failed"), err)
	}
	return ok, nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", coordError(ErrNotInitialized, "redis store is not initialized")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	value, err := s.client.Get(opCtx, s.fullKey(key)).Result()
	if err == redis.Nil {
		return "", coordError(ErrKeyNotFound, key)
	}
	if err != nil {
		return "", errors.Join(coordError(ErrRetryable, "get failed"), err)
	}
	return value, nil
}

// Set stores value under key with an optional TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return coordError(ErrNotInitialized, "redis store is not initialized")
	}
	if ttl < 0 {
		ttl = 0
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Set(opCtx, s.fullKey(key), value, ttl).Err(); err != nil {
		return errors.Join(coordError(ErrRetryable, "set failed"), err)
	}
	return nil
}

// Delete removes the given keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return coordError(ErrNotInitialized, "redis store is not initialized")
	}
	if len(keys) == 0 {
		return nil
	}

	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		fullKeys = append(fullKeys, s.fullKey(key))
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Del(opCtx, fullKeys...).Err(); err != nil {
		return errors.Join(coordError(ErrRetryable, "delete failed"), err)
	}
	return nil
}

// Exists reports whether key currently holds a live value.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, coordError(ErrNotInitialized, "redis store is not initialized")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	n, err := s.client.Exists(opCtx, s.fullKey(key)).Result()
	if err != nil {
		return false, errors.Join(coordError(ErrRetryable, "exists failed"), err)
	}
	return n > 0, nil
}

// AcquireLease attempts an atomic set-if-absent of holder under key.
func (s *RedisStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, bool, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, false, coordError(ErrInvalidArgument, "lease holder is required")
	}

	acquired, err := s.SetIfAbsent(ctx, key, holder, ttl)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	return &Lease{
		Key:      key,
		Holder:   holder,
		ExpireAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

// RenewLease extends lease expiry while the stored holder still matches.
func (s *RedisStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return coordError(ErrNotInitialized, "redis store is not initialized")
	}
	if lease == nil {
		return coordError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return coordError(ErrInvalidArgument, "ttl must be > 0")
	}
	key := strings.TrimSpace(lease.Key)
	holder := strings.TrimSpace(lease.Holder)
	if key == "" || holder == "" {
		return coordError(ErrInvalidArgument, "lease key and holder are required")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, s.client, []string{s.fullKey(key)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(coordError(ErrRetryable, "renew lease failed"), err)
	}
	if result == 0 {
		return coordError(ErrLeaseLost, key)
	}

	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// ReleaseLease unlocks the key while the stored holder still matches.
func (s *RedisStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	if s == nil || s.client == nil {
		return coordError(ErrNotInitialized, "redis store is not initialized")
	}
	if lease == nil {
		return coordError(ErrInvalidArgument, "lease is required")
	}
	key := strings.TrimSpace(lease.Key)
	holder := strings.TrimSpace(lease.Holder)
	if key == "" || holder == "" {
		return coordError(ErrInvalidArgument, "lease key and holder are required")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, s.client, []string{s.fullKey(key)}, holder).Int64()
	if err != nil {
		return errors.Join(coordError(ErrRetryable, "release lease failed"), err)
	}
	if result == 0 {
		return coordError(ErrLeaseLost, key)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return coordError(ErrNotInitialized, "redis store is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(coordError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) fullKey(key string) string {
	return strings.TrimRight(s.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
