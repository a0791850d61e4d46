package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/resilience"
	"github.com/skypier/skypier/pkg/session"
)

// stubAPI serves the session manager behind the executor with fresh tokens on
// demand, counting how many logins the executor forced.
type stubAPI struct {
	t      *testing.T
	logins atomic.Int64
}

func (s *stubAPI) creds() *session.Credentials {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		s.t.Fatalf("failed to sign token: %v", err)
	}
	return &session.Credentials{AccessToken: token, RefreshToken: "refresh", UserID: "user-123"}
}

func (s *stubAPI) Login(ctx context.Context, username, password string) (*session.Credentials, error) {
	s.logins.Add(1)
	return s.creds(), nil
}

func (s *stubAPI) Refresh(ctx context.Context, refreshToken string) (*session.Credentials, error) {
	s.logins.Add(1)
	return s.creds(), nil
}

func (s *stubAPI) MintActionProof(ctx context.Context, action, userID string) (*session.ActionProof, error) {
	return &session.ActionProof{Token: "proof", ExpiresIn: 300}, nil
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig) (*Executor, *stubAPI, *[]time.Duration) {
	t.Helper()
	api := &stubAPI{t: t}
	log := upstreamTestLogger(t)

	manager, err := session.NewManager(api, coordination.NewMemoryStore(),
		session.NewMemoryCredentialStore(), log, session.Config{
			Username: "account@example.com",
			Password: "hunter2",
		})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	exec, err := NewExecutor(manager, log, cfg)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	// Record retry delays instead of sleeping through them.
	slept := &[]time.Duration{}
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return exec, api, slept
}

// Prime the executor's session so tests exercise the call path, not the
// initial login.
func primeSession(t *testing.T, exec *Executor, api *stubAPI) {
	t.Helper()
	exec.manager.SetCredentials(api.creds())
}

func TestExecutorDo_Success(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected one call, got %d", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no retry delays, got %v", *slept)
	}
	if api.logins.Load() != 0 {
		t.Errorf("Expected no logins with a primed session, got %d", api.logins.Load())
	}
}

// TestExecutorDo_AuthForcesRelogin tests the 401 path: one forced re-login
// and one inline retry, without burning a backoff delay.
func TestExecutorDo_AuthForcesRelogin(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("request failed with status 401")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected two calls, got %d", calls)
	}
	if api.logins.Load() != 1 {
		t.Errorf("Expected one forced re-login, got %d", api.logins.Load())
	}
	if len(*slept) != 0 {
		t.Errorf("Expected auth retry to skip backoff, got %v", *slept)
	}
}

// A second auth failure after the forced re-login means the credential is
// genuinely bad; it must propagate instead of looping.
func TestExecutorDo_AuthFailsAfterRelogin(t *testing.T) {
	exec, api, _ := newTestExecutor(t, ExecutorConfig{})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return session.ErrAuth
	})
	if !errors.Is(err, session.ErrAuth) {
		t.Fatalf("Expected ErrAuth, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected exactly two calls, got %d", calls)
	}
	if api.logins.Load() != 1 {
		t.Errorf("Expected one forced re-login, got %d", api.logins.Load())
	}
}

func TestExecutorDo_TransientRetriesWithBackoff(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{MaxAttempts: 3})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return errors.New("dial tcp: connection refused")
	})
	if err == nil {
		t.Fatal("Expected exhausted retries to propagate the error")
	}
	if calls != 3 {
		t.Errorf("Expected three attempts, got %d", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("Expected two retry delays, got %v", *slept)
	}
	// Exponential shape with at most 10% jitter on top.
	for i, want := range []time.Duration{time.Second, 2 * time.Second} {
		got := (*slept)[i]
		if got < want || got > want+want/10 {
			t.Errorf("Delay %d out of envelope: got %v, want [%v, %v]", i, got, want, want+want/10)
		}
	}
}

func TestExecutorDo_RateLimitUsesFloorDelay(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{MaxAttempts: 2, RateLimitDelay: 30 * time.Second})
	primeSession(t, exec, api)

	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		return errors.New("429 too many requests")
	})
	if err == nil {
		t.Fatal("Expected rate limit error to propagate")
	}
	if len(*slept) != 1 || (*slept)[0] != 30*time.Second {
		t.Errorf("Expected one fixed 30s delay, got %v", *slept)
	}
}

func TestExecutorDo_FatalNoRetry(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return session.ErrFatalConfig
	})
	if !errors.Is(err, session.ErrFatalConfig) {
		t.Fatalf("Expected ErrFatalConfig, got %v", err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("Expected a single attempt with no delays, got calls=%d delays=%v", calls, *slept)
	}
}

// TestExecutorDo_BreakerOpens tests that sustained failures trip the
// endpoint's breaker while other endpoints stay unaffected.
func TestExecutorDo_BreakerOpens(t *testing.T) {
	exec, api, _ := newTestExecutor(t, ExecutorConfig{MaxAttempts: 2, BreakerThreshold: 3})
	primeSession(t, exec, api)

	failing := func(ctx context.Context) error { return errors.New("internal server error") }
	for i := 0; i < 2; i++ {
		_ = exec.Do(context.Background(), "files.list", failing)
	}

	if state := exec.BreakerState("files.list"); state != resilience.StateOpen {
		t.Errorf("Expected open breaker after sustained failures, got %v", state)
	}
	if state := exec.BreakerState("tasks.status"); state != resilience.StateClosed {
		t.Errorf("Expected unrelated endpoint breaker closed, got %v", state)
	}

	// Calls through the open breaker fail fast without running the op.
	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		t.Fatalf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected op not to run through an open breaker, got %d calls", calls)
	}
}

// A login-lock wait timeout signals contention with a peer worker, not a
// failure of the call: it must escape without consuming backoff retries.
func TestExecutorDo_LockContentionEscapesImmediately(t *testing.T) {
	api := &stubAPI{t: t}
	log := upstreamTestLogger(t)
	store := coordination.NewMemoryStore()

	manager, err := session.NewManager(api, store,
		session.NewMemoryCredentialStore(), log, session.Config{
			Username:         "account@example.com",
			Password:         "hunter2",
			LockTTL:          time.Minute,
			LockPollInterval: time.Millisecond,
			LockWaitTimeout:  20 * time.Millisecond,
		})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	// A peer worker holds the login lock and never lets go.
	if _, acquired, err := store.AcquireLease(context.Background(), session.LoginLockKey, "peer-worker", time.Hour); err != nil || !acquired {
		t.Fatalf("Failed to seed peer lock: acquired=%v err=%v", acquired, err)
	}

	exec, err := NewExecutor(manager, log, ExecutorConfig{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	slept := &[]time.Duration{}
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}

	var calls int
	err = exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, session.ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected op not to run without a session, got %d calls", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no backoff retries on lock contention, got %v", *slept)
	}
	if api.logins.Load() != 0 {
		t.Errorf("Expected no login while the peer holds the lock, got %d", api.logins.Load())
	}
}

// Lock timeouts surfaced by the op itself get the same treatment.
func TestExecutorDo_LockContentionFromOp(t *testing.T) {
	exec, api, slept := newTestExecutor(t, ExecutorConfig{MaxAttempts: 3})
	primeSession(t, exec, api)

	var calls int
	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		calls++
		return session.ErrLockTimeout
	})
	if !errors.Is(err, session.ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("Expected no backoff retries, got %v", *slept)
	}
}

func TestExecutorDo_ContextCanceledDuringDelay(t *testing.T) {
	exec, api, _ := newTestExecutor(t, ExecutorConfig{MaxAttempts: 3})
	primeSession(t, exec, api)
	exec.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	err := exec.Do(context.Background(), "files.list", func(ctx context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
