package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/skypier/skypier/pkg/observability/logger"
)

// Credentials is the upstream identity for the one configured account.
// Both tokens are opaque; the access token carries an expiry claim that the
// token lifecycle helpers decode without verification.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	UserID       string
}

// Clone returns a copy so callers can hold credentials without racing the manager.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	copied := *c
	return &copied
}

// CredentialStore persists the session credential durably so any worker
// process can reload the result of another worker's login. Last-write-wins is
// sufficient; exclusive write access is enforced by the login lock, not here.
type CredentialStore interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds *Credentials) error
}

const credentialsDDL = `
CREATE TABLE IF NOT EXISTS session_credentials (
	id            smallint PRIMARY KEY,
	access_token  text NOT NULL DEFAULT '',
	refresh_token text NOT NULL DEFAULT '',
	user_id       text NOT NULL DEFAULT '',
	updated_at    timestamptz NOT NULL DEFAULT now()
)`

// PostgresConfig holds connection configuration for the credential store.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

func (c *PostgresConfig) normalize() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 5
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
}

// PostgresStore is a CredentialStore backed by a single-row PostgreSQL table.
type PostgresStore struct {
	db      *sql.DB
	log     logger.Logger
	timeout time.Duration
}

// NewPostgresStore connects to PostgreSQL, ensures the credentials table
// exists and returns the store.
func NewPostgresStore(cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		return nil, sessionError(ErrFatalConfig, "logger is required")
	}
	if cfg.URL == "" {
		return nil, sessionError(ErrFatalConfig, "database URL is required")
	}
	cfg.normalize()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(sessionError(ErrFatalConfig, "open database failed"), err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(sessionError(ErrTransient, "ping database failed"), err)
	}
	if _, err := db.ExecContext(ctx, credentialsDDL); err != nil {
		_ = db.Close()
		return nil, errors.Join(sessionError(ErrTransient, "ensure credentials table failed"), err)
	}

	log.Info("credential store connected",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)

	return &PostgresStore{db: db, log: log, timeout: cfg.QueryTimeout}, nil
}

// NewPostgresStoreFromDB wraps an existing database handle. Used by tests and
// callers that manage the connection pool themselves.
func NewPostgresStoreFromDB(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log, timeout: 5 * time.Second}
}

// Load reads the single credential row, or ErrNoCredentials when no login has
// ever been persisted.
func (s *PostgresStore) Load(ctx context.Context) (*Credentials, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	creds := &Credentials{}
	err := s.db.QueryRowContext(queryCtx,
		`SELECT access_token, refresh_token, user_id FROM session_credentials WHERE id = 1`,
	).Scan(&creds.AccessToken, &creds.RefreshToken, &creds.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, errors.Join(sessionError(ErrTransient, "load credentials failed"), err)
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// Save upserts the single credential row.
func (s *PostgresStore) Save(ctx context.Context, creds *Credentials) error {
	if creds == nil {
		return sessionError(ErrFatalConfig, "credentials are required")
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx,
		`INSERT INTO session_credentials (id, access_token, refresh_token, user_id, updated_at)
		 VALUES (1, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		 SET access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     user_id = EXCLUDED.user_id,
		     updated_at = now()`,
		creds.AccessToken, creds.RefreshToken, creds.UserID,
	)
	if err != nil {
		return errors.Join(sessionError(ErrTransient, "save credentials failed"), err)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(checkCtx); err != nil {
		return errors.Join(sessionError(ErrTransient, "database healthcheck failed"), err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryCredentialStore is an in-process CredentialStore shared by simulated
// workers in tests and by single-node runs without a database.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryCredentialStore creates an empty in-process credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Load returns the stored credentials or ErrNoCredentials.
func (s *MemoryCredentialStore) Load(ctx context.Context) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNoCredentials
	}
	return s.creds.Clone(), nil
}

// Save stores a copy of the credentials.
func (s *MemoryCredentialStore) Save(ctx context.Context, creds *Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds.Clone()
	return nil
}
