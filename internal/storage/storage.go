package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rryowa/dashboard_session/internal/models"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrIncompleteSession      = errors.New("incomplete session record")
	ErrRefreshSessionNotFound = errors.New("refresh session not found")
	ErrUserNotFound           = errors.New("user not found")
)

const (
	KeyUser         = "user"
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyLastActivity = "lastActivity"
)

// KV is a string-keyed store. Each call must be atomic: a reader never sees
// part of a SetMany or DeleteMany.
type KV interface {
	// GetMany returns the values of the keys that exist; missing keys are
	// absent from the map.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
	DeleteMany(ctx context.Context, keys ...string) error
}

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SessionRepository keeps the refresh sessions issued by the dev backend.
type SessionRepository interface {
	CreateSession(ctx context.Context, session models.RefreshSession, ttl time.Duration) error
	GetSession(ctx context.Context, selector string) (*models.RefreshSession, error)
	DeleteSession(ctx context.Context, selector string) error
	DeleteAllUserSessions(ctx context.Context, userID string) error
}

// TokenStorage is the access token blacklist of the dev backend.
type TokenStorage interface {
	InvalidateToken(ctx context.Context, token string, expiration time.Duration) error
	IsTokenInvalidated(ctx context.Context, token string) (bool, error)
}

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.StubUser, error)
	GetUserByID(ctx context.Context, id string) (*models.StubUser, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// SessionStore persists the client session as four keys under a prefix.
type SessionStore struct {
	kv     KV
	prefix string
}

func NewSessionStore(kv KV, prefix string) *SessionStore {
	return &SessionStore{kv: kv, prefix: prefix}
}

func (s *SessionStore) Load(ctx context.Context) (*models.Session, error) {
	values, err := s.kv.GetMany(ctx, s.keys()...)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	rawUser, ok := values[s.key(KeyUser)]
	if !ok {
		if len(values) > 0 {
			return nil, fmt.Errorf("user record missing: %w", ErrIncompleteSession)
		}
		return nil, ErrSessionNotFound
	}

	var user models.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, fmt.Errorf("parse user record: %w: %w", ErrIncompleteSession, err)
	}

	session := models.Session{
		User:         user,
		AccessToken:  values[s.key(KeyAccessToken)],
		RefreshToken: values[s.key(KeyRefreshToken)],
	}
	if !session.Tokens().Complete() {
		return nil, fmt.Errorf("tokens missing: %w", ErrIncompleteSession)
	}

	if raw, ok := values[s.key(KeyLastActivity)]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse last activity: %w: %w", ErrIncompleteSession, err)
		}
		session.LastActivity = time.UnixMilli(ms)
	}

	return &session, nil
}

// Save replaces the whole persisted session in one write.
func (s *SessionStore) Save(ctx context.Context, session models.Session) error {
	rawUser, err := json.Marshal(session.User)
	if err != nil {
		return fmt.Errorf("marshal user record: %w", err)
	}

	err = s.kv.SetMany(ctx, map[string]string{
		s.key(KeyUser):         string(rawUser),
		s.key(KeyAccessToken):  session.AccessToken,
		s.key(KeyRefreshToken): session.RefreshToken,
		s.key(KeyLastActivity): formatMillis(session.LastActivity),
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Touch(ctx context.Context, at time.Time) error {
	if err := s.kv.SetMany(ctx, map[string]string{s.key(KeyLastActivity): formatMillis(at)}); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.kv.DeleteMany(ctx, s.keys()...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *SessionStore) key(name string) string {
	return s.prefix + name
}

func (s *SessionStore) keys() []string {
	return []string{
		s.key(KeyUser),
		s.key(KeyAccessToken),
		s.key(KeyRefreshToken),
		s.key(KeyLastActivity),
	}
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
