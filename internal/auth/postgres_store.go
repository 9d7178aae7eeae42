package auth

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultPostgresTimeout    = 5 * time.Second
	revocationMigrationsTable = "cloudlocker_auth_migrations"
)

// PostgresStoreOption customises the Postgres revocation store.
type PostgresStoreOption func(*PostgresRevocationStore)

// WithTimeout bounds every statement the store issues.
func WithTimeout(timeout time.Duration) PostgresStoreOption {
	return func(s *PostgresRevocationStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// PostgresRevocationStore persists revocations to a Postgres table, allowing
// multiple gateway replicas to share logout state.
type PostgresRevocationStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRevocationStore opens a pool for dsn and applies the embedded
// schema migrations before returning.
func NewPostgresRevocationStore(ctx context.Context, dsn string, opts ...PostgresStoreOption) (*PostgresRevocationStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres revocation dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres revocation config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres revocation pool: %w", err)
	}
	store := &PostgresRevocationStore{pool: pool, timeout: defaultPostgresTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := ApplyMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// ApplyMigrations brings the revocation schema up to date. It is a no-op when
// the schema is already current.
func ApplyMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: revocationMigrationsTable})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresRevocationStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the Postgres connection pool resources.
func (s *PostgresRevocationStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	key, err := revocationKey(jti)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.pool.Exec(ctx, `
INSERT INTO revoked_tokens (token_key, expires_at)
VALUES ($1, $2)
ON CONFLICT (token_key) DO UPDATE SET expires_at = GREATEST(revoked_tokens.expires_at, EXCLUDED.expires_at)
`, key, expiresAt.UTC())
	return err
}

func (s *PostgresRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	key, err := revocationKey(jti)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var revoked bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_key = $1)`, key).Scan(&revoked)
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// PurgeExpired deletes revocations whose tokens have expired.
func (s *PostgresRevocationStore) PurgeExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, now.UTC())
	return err
}

func (s *PostgresRevocationStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}
