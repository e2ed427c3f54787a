package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage"
)

const (
	refreshSessionPrefix = "refresh_session:"
	userSessionsPrefix   = "user_sessions:"
)

// SessionRepository keeps the dev backend's refresh sessions as hashes that
// expire with the refresh token, plus a per-user index set.
type SessionRepository struct {
	client *redis.Client
}

func NewSessionRepository(client *redis.Client) *SessionRepository {
	return &SessionRepository{client: client}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session models.RefreshSession, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, refreshSessionKey(session.Selector), map[string]interface{}{
		"verifier_hash":    session.VerifierHash,
		"user_id":          session.UserID,
		"user_agent":       session.UserAgent,
		"ip_address":       session.IPAddress,
		"access_token_jti": session.AccessTokenJTI,
		"expires_at":       session.ExpiresAt.Unix(),
		"created_at":       session.CreatedAt.Unix(),
	})
	pipe.Expire(ctx, refreshSessionKey(session.Selector), ttl)
	pipe.SAdd(ctx, userSessionsKey(session.UserID), session.Selector)
	pipe.Expire(ctx, userSessionsKey(session.UserID), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create refresh session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, selector string) (*models.RefreshSession, error) {
	var raw struct {
		VerifierHash   string `redis:"verifier_hash"`
		UserID         string `redis:"user_id"`
		UserAgent      string `redis:"user_agent"`
		IPAddress      string `redis:"ip_address"`
		AccessTokenJTI string `redis:"access_token_jti"`
		ExpiresAt      int64  `redis:"expires_at"`
		CreatedAt      int64  `redis:"created_at"`
	}

	res := r.client.HGetAll(ctx, refreshSessionKey(selector))
	values, err := res.Result()
	if err != nil {
		return nil, fmt.Errorf("get refresh session: %w", err)
	}
	if len(values) == 0 {
		return nil, storage.ErrRefreshSessionNotFound
	}
	if err := res.Scan(&raw); err != nil {
		return nil, fmt.Errorf("scan refresh session: %w", err)
	}

	return &models.RefreshSession{
		Selector:       selector,
		VerifierHash:   raw.VerifierHash,
		UserID:         raw.UserID,
		UserAgent:      raw.UserAgent,
		IPAddress:      raw.IPAddress,
		AccessTokenJTI: raw.AccessTokenJTI,
		ExpiresAt:      time.Unix(raw.ExpiresAt, 0).UTC(),
		CreatedAt:      time.Unix(raw.CreatedAt, 0).UTC(),
	}, nil
}

func (r *SessionRepository) DeleteSession(ctx context.Context, selector string) error {
	userID, err := r.client.HGet(ctx, refreshSessionKey(selector), "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load refresh session for delete: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, refreshSessionKey(selector))
	if userID != "" {
		pipe.SRem(ctx, userSessionsKey(userID), selector)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete refresh session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteAllUserSessions(ctx context.Context, userID string) error {
	selectors, err := r.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, selector := range selectors {
		pipe.Del(ctx, refreshSessionKey(selector))
	}
	pipe.Del(ctx, userSessionsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

func refreshSessionKey(selector string) string {
	return refreshSessionPrefix + selector
}

func userSessionsKey(userID string) string {
	return userSessionsPrefix + userID
}
