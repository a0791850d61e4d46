package coordination

import (
	"context"
	"time"
)

// Store is the shared coordination store every worker process talks to.
// It is the only consistency boundary between processes: all locks, cooldown
// markers and status blobs are built on top of it. Any key-value store with
// atomic set-if-absent and TTL expiry satisfies the contract.
type Store interface {
	// SetIfAbsent atomically stores value under key with a TTL, only when the
	// key does not exist. Returns true when the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Exists reports whether key currently holds a live value.
	Exists(ctx context.Context, key string) (bool, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Lease identifies one acquisition of a named distributed lock. The holder
// string is unique per process incarnation so renew and release can verify
// ownership before touching the key.
type Lease struct {
	Key      string
	Holder   string
	ExpireAt time.Time
}

// Backend combines marker storage and lease coordination. Both the Redis and
// the in-process store satisfy it.
type Backend interface {
	Store
	LeaseProvider
}

// LeaseProvider coordinates exclusive ownership of named resources across
// worker processes. At most one live lease exists per key at any instant.
type LeaseProvider interface {
	// AcquireLease attempts an atomic set-if-absent of holder under key with
	// the given TTL. Returns the lease and true on success, nil and false when
	// another holder owns the key.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, bool, error)

	// RenewLease re-extends the lease TTL, but only while the stored holder
	// still matches; a lost lease yields ErrLeaseLost.
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error

	// ReleaseLease deletes the lock key, but only while the stored holder
	// still matches. Releasing an already-expired lease yields ErrLeaseLost.
	ReleaseLease(ctx context.Context, lease *Lease) error
}
