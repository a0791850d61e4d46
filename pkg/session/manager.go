package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/observability/logger"
)

// Coordination-store keys for the login critical section and its markers.
const (
	LoginLockKey       = "session:lock"
	lastLoginKey       = "session:last_login"
	rateLimitedKey     = "session:rate_limited"
	tokenValidUntilKey = "session:token_valid_until"
)

const (
	DefaultLockTTL          = 60 * time.Second
	DefaultLockPollInterval = 500 * time.Millisecond
	DefaultLockWaitTimeout  = 60 * time.Second
	DefaultCooldownWindow   = 120 * time.Second

	// cooldownGrace keeps the last-login marker alive slightly longer than the
	// window it gates, mirroring the upstream penalty behavior.
	cooldownGrace = 10 * time.Second

	maxLockAttempts = 3
)

// ActionProof is a short-lived proof token the upstream service demands per
// action before accepting a request.
type ActionProof struct {
	Token     string
	ExpiresIn int
}

// API is the upstream session surface this core consumes. Full upstream
// protocol semantics live behind it and stay out of scope here.
type API interface {
	Login(ctx context.Context, username, password string) (*Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
	MintActionProof(ctx context.Context, action, userID string) (*ActionProof, error)
}

// Config controls the login coordination behavior of a Manager.
type Config struct {
	Username         string
	Password         string
	HolderID         string
	ExpiryBuffer     time.Duration
	LockTTL          time.Duration
	LockPollInterval time.Duration
	LockWaitTimeout  time.Duration
	CooldownWindow   time.Duration
}

func (c *Config) normalize() {
	if c.HolderID == "" {
		host, _ := os.Hostname()
		c.HolderID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = DefaultExpiryBuffer
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = DefaultLockPollInterval
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = DefaultLockWaitTimeout
	}
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = DefaultCooldownWindow
	}
}

// Manager owns the in-memory copy of the session credential for one worker
// process and coordinates logins cluster-wide through the coordination store:
// at most one upstream login or refresh runs at a time across all workers,
// and everyone else waits for and reuses the result.
type Manager struct {
	api     API
	coord   coordination.Backend
	durable CredentialStore
	log     logger.Logger
	config  Config

	mu      sync.Mutex
	current *Credentials

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a login coordination manager.
func NewManager(api API, coord coordination.Backend, durable CredentialStore, log logger.Logger, cfg Config) (*Manager, error) {
	if api == nil {
		return nil, sessionError(ErrFatalConfig, "upstream api is required")
	}
	if coord == nil {
		return nil, sessionError(ErrFatalConfig, "coordination store is required")
	}
	if durable == nil {
		return nil, sessionError(ErrFatalConfig, "credential store is required")
	}
	if log == nil {
		return nil, sessionError(ErrFatalConfig, "logger is required")
	}
	cfg.normalize()

	return &Manager{
		api:     api,
		coord:   coord,
		durable: durable,
		log:     log.With("component", "session"),
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Credentials returns a copy of the current in-memory credentials, which may
// be stale; callers needing a usable token go through EnsureLoggedIn.
func (m *Manager) Credentials() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// UserID returns the upstream account identifier, lazily extracted from the
// access token's subject claim when the credential row does not carry it.
func (m *Manager) UserID() (string, error) {
	m.mu.Lock()
	creds := m.current.Clone()
	m.mu.Unlock()

	if creds == nil {
		return "", ErrNoCredentials
	}
	if creds.UserID != "" {
		return creds.UserID, nil
	}
	return TokenUserID(creds.AccessToken)
}

// SetCredentials primes the in-memory credential, typically with the result
// of a durable load at startup.
func (m *Manager) SetCredentials(creds *Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = creds.Clone()
}

// EnsureLoggedIn returns usable credentials, performing or awaiting a
// cluster-coordinated login when the local token is missing or expiring.
//
// The fast path — a local token still comfortably inside its expiry buffer —
// performs zero coordination-store and zero upstream calls. Every slow path
// either reuses a peer's login result or runs the login itself under the
// cluster-wide lock.
func (m *Manager) EnsureLoggedIn(ctx context.Context, force bool) (*Credentials, error) {
	if !force {
		if creds := m.freshLocal(); creds != nil {
			return creds, nil
		}

		// Another worker may have logged in already; its marker tells us a
		// good token is waiting in the durable store.
		if m.remoteTokenValid(ctx) {
			if creds := m.reloadDurable(ctx); creds != nil {
				return creds, nil
			}
		}

		if m.cooldownActive(ctx) {
			if creds := m.reloadDurable(ctx); creds != nil {
				return creds, nil
			}
			recordLogin("cooldown_rejected")
			return nil, sessionError(ErrRateLimited, "login cooldown active and no usable token")
		}
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lease, acquired, err := m.coord.AcquireLease(ctx, LoginLockKey, m.config.HolderID, m.config.LockTTL)
		if err != nil {
			return nil, err
		}
		if !acquired {
			// Another worker is logging in right now. Wait for it to finish,
			// then pick up its result instead of racing it.
			if err := m.waitForLockRelease(ctx); err != nil {
				return nil, err
			}
			if !force {
				if creds := m.reloadDurable(ctx); creds != nil {
					return creds, nil
				}
			}
			continue
		}

		return m.loginLocked(ctx, lease, force)
	}

	recordLogin("lock_timeout")
	return nil, sessionError(ErrLockTimeout, "could not acquire login lock")
}

// loginLocked performs the refresh-or-login critical section. The lease is
// always released on the way out, success or failure, so a failed login never
// leaves the lock held until its TTL.
func (m *Manager) loginLocked(ctx context.Context, lease *coordination.Lease, force bool) (*Credentials, error) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.coord.ReleaseLease(releaseCtx, lease); err != nil && !errors.Is(err, coordination.ErrLeaseLost) {
			m.log.Warn("login lock release failed", "error", err)
		}
	}()

	if !force {
		// Double-check under the lock: a peer may have finished between our
		// first check and the acquisition.
		if creds := m.freshLocal(); creds != nil {
			return creds, nil
		}
		if creds := m.reloadDurable(ctx); creds != nil {
			return creds, nil
		}
	}

	// Refresh tokens are longer-lived and cheaper than a full login, which is
	// the operation the upstream throttles hardest. Try refresh first.
	var creds *Credentials
	if refreshToken := m.knownRefreshToken(ctx); refreshToken != "" {
		refreshed, err := m.api.Refresh(ctx, refreshToken)
		if err != nil {
			if Classify(err) == KindRateLimit {
				return nil, m.recordRateLimited(ctx, err)
			}
			m.log.Warn("token refresh failed, falling back to full login", "error", err)
		} else {
			creds = refreshed
			recordLogin("refreshed")
		}
	}

	if creds == nil {
		if m.config.Username == "" || m.config.Password == "" {
			return nil, sessionError(ErrFatalConfig, "upstream account credentials are not configured")
		}
		loggedIn, err := m.api.Login(ctx, m.config.Username, m.config.Password)
		if err != nil {
			if Classify(err) == KindRateLimit {
				return nil, m.recordRateLimited(ctx, err)
			}
			recordLogin("failed")
			return nil, err
		}
		creds = loggedIn
		recordLogin("logged_in")
	}

	m.SetCredentials(creds)
	if err := m.durable.Save(ctx, creds); err != nil {
		m.log.Error("persist credentials failed", "error", err)
	}
	m.publishMarkers(ctx, creds)

	m.log.Info("session established", "user_id", creds.UserID)
	return creds.Clone(), nil
}

// freshLocal returns the in-memory credentials when the access token is still
// comfortably inside its expiry buffer.
func (m *Manager) freshLocal() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	if isExpiredAt(m.current.AccessToken, m.config.ExpiryBuffer, m.now()) {
		return nil
	}
	return m.current.Clone()
}

// reloadDurable refreshes the in-memory copy from the durable store and
// returns it only when usable.
func (m *Manager) reloadDurable(ctx context.Context) *Credentials {
	creds, err := m.durable.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			m.log.Warn("credential reload failed", "error", err)
		}
		return nil
	}

	m.SetCredentials(creds)
	if isExpiredAt(creds.AccessToken, m.config.ExpiryBuffer, m.now()) {
		return nil
	}
	return creds.Clone()
}

// knownRefreshToken returns the best refresh token available locally or
// durably, regardless of access token freshness.
func (m *Manager) knownRefreshToken(ctx context.Context) string {
	m.mu.Lock()
	if m.current != nil && m.current.RefreshToken != "" {
		token := m.current.RefreshToken
		m.mu.Unlock()
		return token
	}
	m.mu.Unlock()

	creds, err := m.durable.Load(ctx)
	if err != nil {
		return ""
	}
	m.SetCredentials(creds)
	return creds.RefreshToken
}

// remoteTokenValid reports whether another worker has published a
// token-valid-until marker that is still comfortably in the future.
func (m *Manager) remoteTokenValid(ctx context.Context) bool {
	value, err := m.coord.Get(ctx, tokenValidUntilKey)
	if err != nil {
		return false
	}
	expiresAt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}
	remaining := time.Unix(expiresAt, 0).Sub(m.now())
	return remaining > m.config.ExpiryBuffer
}

// cooldownActive reports whether a recent login or a rate-limit rejection
// forbids another login attempt right now.
func (m *Manager) cooldownActive(ctx context.Context) bool {
	if exists, err := m.coord.Exists(ctx, rateLimitedKey); err == nil && exists {
		return true
	}

	value, err := m.coord.Get(ctx, lastLoginKey)
	if err != nil {
		return false
	}
	lastLogin, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}
	return m.now().Sub(time.Unix(lastLogin, 0)) < m.config.CooldownWindow
}

// waitForLockRelease polls for the login lock to disappear, bounded by the
// configured wait timeout so a stuck peer cannot starve us forever.
func (m *Manager) waitForLockRelease(ctx context.Context) error {
	deadline := m.now().Add(m.config.LockWaitTimeout)
	for {
		held, err := m.coord.Exists(ctx, LoginLockKey)
		if err != nil {
			return err
		}
		if !held {
			return nil
		}
		if !m.now().Before(deadline) {
			recordLogin("wait_timeout")
			return sessionError(ErrLockTimeout, "timed out waiting for peer login")
		}
		if err := m.sleep(ctx, m.config.LockPollInterval); err != nil {
			return err
		}
	}
}

// publishMarkers announces the login result to every other worker: the
// token-valid-until marker lives exactly as long as the token itself, the
// last-login marker slightly longer than the cooldown window it gates.
func (m *Manager) publishMarkers(ctx context.Context, creds *Credentials) {
	now := m.now()

	if expiry, err := ExpiresAt(creds.AccessToken); err == nil && expiry.After(now) {
		ttl := expiry.Sub(now)
		value := strconv.FormatInt(expiry.Unix(), 10)
		if err := m.coord.Set(ctx, tokenValidUntilKey, value, ttl); err != nil {
			m.log.Warn("publish token-valid-until marker failed", "error", err)
		}
	}

	value := strconv.FormatInt(now.Unix(), 10)
	if err := m.coord.Set(ctx, lastLoginKey, value, m.config.CooldownWindow+cooldownGrace); err != nil {
		m.log.Warn("publish last-login marker failed", "error", err)
	}
}

// recordRateLimited publishes the cluster-wide rate-limit marker before
// propagating the error, so every worker backs off even though no login
// succeeded.
func (m *Manager) recordRateLimited(ctx context.Context, cause error) error {
	value := strconv.FormatInt(m.now().Unix(), 10)
	if err := m.coord.Set(ctx, rateLimitedKey, value, m.config.CooldownWindow); err != nil {
		m.log.Warn("publish rate-limit marker failed", "error", err)
	}
	recordLogin("rate_limited")
	return errors.Join(sessionError(ErrRateLimited, "upstream rejected login"), cause)
}
