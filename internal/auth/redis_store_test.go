package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisRevocationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisRevocationStoreWithClient(client, ""), mr
}

func TestRedisRevocationStoreLifecycle(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Minute)))
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	key, err := store.key("jti-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	mr.FastForward(2 * time.Minute)
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked, "expected revocation to expire with the token")
}

func TestRedisRevocationStoreSkipsExpiredTokens(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "old", time.Now().Add(-time.Minute)))
	assert.Empty(t, mr.Keys())
	require.NoError(t, store.PurgeExpired(ctx, time.Now()))
}

func TestRedisRevocationStoreWithTokenManager(t *testing.T) {
	store, _ := newMiniredisStore(t)
	manager, err := NewTokenManager(testSecret, time.Hour, WithRevocationStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, manager.Ping(ctx))
	token, _, err := manager.Issue(testUser())
	require.NoError(t, err)
	claims, err := manager.Validate(ctx, token)
	require.NoError(t, err)
	require.NoError(t, manager.Revoke(ctx, claims))
	_, err = manager.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRedisRevocationStorePingFailsWhenServerStops(t *testing.T) {
	store, mr := newMiniredisStore(t)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisRevocationStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisRevocationStore(RedisRevocationStoreConfig{})
	assert.Error(t, err)
}
