//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openPostgresRevocationStoreForTest(t *testing.T, opts ...PostgresStoreOption) *PostgresRevocationStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cloudlocker"),
		postgres.WithUsername("cloudlocker"),
		postgres.WithPassword("cloudlocker"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresRevocationStore(ctx, dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestPostgresRevocationStoreLifecycle(t *testing.T) {
	store := openPostgresRevocationStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	now := time.Now().UTC()
	require.NoError(t, store.Revoke(ctx, "jti-1", now.Add(time.Hour)))
	require.NoError(t, store.Revoke(ctx, "jti-1", now.Add(time.Hour)))
	require.NoError(t, store.Revoke(ctx, "jti-2", now.Add(-time.Minute)))

	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, store.PurgeExpired(ctx, now))
	revoked, err = store.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked, "expected expired revocation to be purged")
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestPostgresRevocationStoreStoresHashedKeys(t *testing.T) {
	store := openPostgresRevocationStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "raw-jti", time.Now().Add(time.Hour)))

	key, err := revocationKey("raw-jti")
	require.NoError(t, err)

	var stored string
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT token_key FROM revoked_tokens`).Scan(&stored))
	assert.Equal(t, key, stored)
	assert.NotEqual(t, "raw-jti", stored)
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	store := openPostgresRevocationStoreForTest(t)
	require.NoError(t, ApplyMigrations(store.pool))
}

func TestPostgresRevocationStoreTimeout(t *testing.T) {
	store := openPostgresRevocationStoreForTest(t, WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := store.pool.Exec(ctx, `CREATE OR REPLACE FUNCTION slow_revocation_trigger() RETURNS trigger AS $$ BEGIN PERFORM pg_sleep(0.2); RETURN NEW; END; $$ LANGUAGE plpgsql;`)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `CREATE TRIGGER slow_revocation_trigger BEFORE INSERT ON revoked_tokens FOR EACH ROW EXECUTE FUNCTION slow_revocation_trigger()`)
	require.NoError(t, err)

	err = store.Revoke(ctx, "timeout-jti", time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
