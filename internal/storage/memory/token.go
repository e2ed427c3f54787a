package memory

import (
	"context"
	"sync"
	"time"
)

// TokenStorage is the in-process access token blacklist used when the dev
// backend runs without redis.
type TokenStorage struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewTokenStorage() *TokenStorage {
	return &TokenStorage{revoked: make(map[string]time.Time), now: time.Now}
}

func (s *TokenStorage) InvalidateToken(_ context.Context, token string, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[token] = s.now().Add(expiration)
	return nil
}

func (s *TokenStorage) IsTokenInvalidated(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.revoked[token]
	if !ok {
		return false, nil
	}
	if s.now().After(until) {
		delete(s.revoked, token)
		return false, nil
	}
	return true, nil
}
