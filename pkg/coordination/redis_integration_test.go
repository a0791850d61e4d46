package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/skypier/skypier/pkg/testutil"
)

// TestRedisStore_Integration exercises the coordination store against a real
// Redis instance using testcontainers.
func TestRedisStore_Integration(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	store, err := NewRedisStore(RedisConfig{URL: connStr, Prefix: "skypier-test"}, coordTestLogger(t))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	t.Run("SetIfAbsent", func(t *testing.T) {
		ok, err := store.SetIfAbsent(ctx, "login-lock", "worker-1", 30*time.Second)
		if err != nil || !ok {
			t.Fatalf("Expected first SetIfAbsent to win, ok=%v err=%v", ok, err)
		}
		ok, err = store.SetIfAbsent(ctx, "login-lock", "worker-2", 30*time.Second)
		if err != nil {
			t.Fatalf("SetIfAbsent failed: %v", err)
		}
		if ok {
			t.Error("Expected second SetIfAbsent to lose")
		}
	})

	t.Run("GetSetDelete", func(t *testing.T) {
		if err := store.Set(ctx, "marker", "1700000000", time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		value, err := store.Get(ctx, "marker")
		if err != nil || value != "1700000000" {
			t.Fatalf("Get = %q, %v", value, err)
		}
		if err := store.Delete(ctx, "marker"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "marker"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("LeaseLifecycle", func(t *testing.T) {
		lease, acquired, err := store.AcquireLease(ctx, "leader", "worker-1", 30*time.Second)
		if err != nil || !acquired {
			t.Fatalf("AcquireLease failed, acquired=%v err=%v", acquired, err)
		}

		if err := store.RenewLease(ctx, lease, 30*time.Second); err != nil {
			t.Errorf("RenewLease failed: %v", err)
		}

		intruder := &Lease{Key: "leader", Holder: "worker-2"}
		if err := store.RenewLease(ctx, intruder, 30*time.Second); !errors.Is(err, ErrLeaseLost) {
			t.Errorf("Expected ErrLeaseLost for intruder renew, got %v", err)
		}
		if err := store.ReleaseLease(ctx, intruder); !errors.Is(err, ErrLeaseLost) {
			t.Errorf("Expected ErrLeaseLost for intruder release, got %v", err)
		}

		if err := store.ReleaseLease(ctx, lease); err != nil {
			t.Errorf("ReleaseLease failed: %v", err)
		}

		_, acquired, err = store.AcquireLease(ctx, "leader", "worker-2", 30*time.Second)
		if err != nil || !acquired {
			t.Errorf("Expected worker-2 to acquire after release, acquired=%v err=%v", acquired, err)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		ok, err := store.SetIfAbsent(ctx, "short-lived", "1", time.Second)
		if err != nil || !ok {
			t.Fatalf("SetIfAbsent failed, ok=%v err=%v", ok, err)
		}
		time.Sleep(1500 * time.Millisecond)
		exists, err := store.Exists(ctx, "short-lived")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("Expected key to expire after TTL")
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck failed: %v", err)
		}
	})
}
