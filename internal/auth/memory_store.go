package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryRevocationStore keeps revoked token IDs in-memory. It is safe for
// concurrent use and intended for development or single-instance deployments.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewMemoryRevocationStore constructs an in-memory store implementation.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]time.Time)}
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	key, err := revocationKey(jti)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.revoked[key] = expiresAt
	s.mu.Unlock()
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	key, err := revocationKey(jti)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.revoked[key]
	s.mu.RUnlock()
	return ok, nil
}

// PurgeExpired drops entries for tokens that would have expired anyway.
func (s *MemoryRevocationStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for key, expiresAt := range s.revoked {
		if now.After(expiresAt) {
			delete(s.revoked, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len reports how many revocations are currently tracked.
func (s *MemoryRevocationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}

// Ping always reports success for the in-memory store.
func (s *MemoryRevocationStore) Ping(context.Context) error {
	return nil
}
