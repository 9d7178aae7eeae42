package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "cloudlocker:revoked:"

// RedisRevocationStoreConfig describes how to reach the Redis deployment that
// shares revocations across gateway replicas.
type RedisRevocationStoreConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisRevocationStore stores each revoked jti as a key whose TTL matches the
// token's remaining lifetime, so Redis expires entries on its own.
type RedisRevocationStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRevocationStore opens a client for cfg. The connection is verified
// lazily by Ping.
func NewRedisRevocationStore(cfg RedisRevocationStoreConfig) (*RedisRevocationStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return newRedisRevocationStoreWithClient(client, cfg.KeyPrefix), nil
}

func newRedisRevocationStoreWithClient(client *redis.Client, prefix string) *RedisRevocationStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisRevocationStore{client: client, keyPrefix: prefix}
}

func (s *RedisRevocationStore) key(jti string) (string, error) {
	key, err := revocationKey(jti)
	if err != nil {
		return "", err
	}
	return s.keyPrefix + key, nil
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	key, err := s.key(jti)
	if err != nil {
		return err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, key, expiresAt.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	key, err := s.key(jti)
	if err != nil {
		return false, err
	}
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	return count > 0, nil
}

// PurgeExpired is a no-op; keys carry their own TTL.
func (s *RedisRevocationStore) PurgeExpired(context.Context, time.Time) error {
	return nil
}

func (s *RedisRevocationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRevocationStore) Close(context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
