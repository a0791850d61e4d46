package coordination

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store and LeaseProvider. It backs single-node
// deployments that run without Redis and serves as the shared fixture for
// multi-worker coordination tests. The clock is injectable so TTL expiry can
// be driven deterministically.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-process coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the store's time source. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expireAt.IsZero() && !s.now().Before(entry.expireAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// SetIfAbsent atomically stores value under key only when the key is absent.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, coordError(ErrInvalidArgument, "key is required")
	}
	if ttl <= 0 {
		return false, coordError(ErrInvalidArgument, "ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coordError(ErrNotInitialized, "memory store is closed")
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expireAt: s.now().Add(ttl)}
	return true, nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return "", coordError(ErrKeyNotFound, key)
	}
	return entry.value, nil
}

// Set stores value under key with an optional TTL.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coordError(ErrNotInitialized, "memory store is closed")
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expireAt = s.now().Add(ttl)
	}
	s.entries[strings.TrimSpace(key)] = entry
	return nil
}

// Delete removes the given keys.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, strings.TrimSpace(key))
	}
	return nil
}

// Exists reports whether key currently holds a live value.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

// AcquireLease attempts an atomic set-if-absent of holder under key.
func (s *MemoryStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, bool, error) {
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

	s.mu.Lock()
	expireAt := s.now().Add(ttl)
	s.mu.Unlock()

	return &Lease{Key: key, Holder: holder, ExpireAt: expireAt}, true, nil
}

// RenewLease extends lease expiry while the stored holder still matches.
func (s *MemoryStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lease == nil {
		return coordError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return coordError(ErrInvalidArgument, "ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(lease.Key)
	if !ok || entry.value != lease.Holder {
		return coordError(ErrLeaseLost, lease.Key)
	}
	entry.expireAt = s.now().Add(ttl)
	s.entries[lease.Key] = entry
	lease.ExpireAt = entry.expireAt
	return nil
}

// ReleaseLease unlocks the key while the stored holder still matches.
func (s *MemoryStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lease == nil {
		return coordError(ErrInvalidArgument, "lease is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(lease.Key)
	if !ok || entry.value != lease.Holder {
		return coordError(ErrLeaseLost, lease.Key)
	}
	delete(s.entries, lease.Key)
	return nil
}

// HealthCheck always succeeds while the store is open.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coordError(ErrNotInitialized, "memory store is closed")
	}
	return nil
}

// Close discards all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = map[string]memoryEntry{}
	return nil
}
