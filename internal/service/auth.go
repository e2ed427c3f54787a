package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage"
)

var (
	ErrInvalidCredentials         = errors.New("invalid credentials")
	ErrRefreshTokenNotFoundOrUsed = errors.New("refresh token not found or already used")
	ErrInvalidCurrentPassword     = errors.New("current password is incorrect")
	ErrEmailMismatch              = errors.New("email does not match the signed-in user")
)

type AuthService struct {
	users    storage.UserRepository
	sessions storage.SessionRepository
	tokens   *TokenService
	notifier Notifier
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewAuthService(
	users storage.UserRepository,
	sessions storage.SessionRepository,
	tokens *TokenService,
	notifier Notifier,
	log *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

func (s *AuthService) Login(ctx context.Context, email, password string, meta models.UserMetadata) (*models.LoginResult, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	if err := CheckPassword(user.PasswordHash, password); err != nil {
		s.log.Infow("Login rejected", "user_id", user.ID, "ip", meta.IPAddress)
		return nil, ErrInvalidCredentials
	}

	pair, err := s.issueTokens(ctx, user.User, meta)
	if err != nil {
		return nil, err
	}

	s.log.Infow("User logged in", "user_id", user.ID, "ip", meta.IPAddress)
	return &models.LoginResult{User: user.User, Tokens: pair}, nil
}

// Refresh rotates the pair. The presented refresh token is single use: its
// session is deleted before the new one is issued.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.UserMetadata) (models.TokenPair, error) {
	session, err := s.lookupRefreshSession(ctx, refreshToken)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := s.sessions.DeleteSession(ctx, session.Selector); err != nil {
		return models.TokenPair{}, fmt.Errorf("delete used session: %w", err)
	}

	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.TokenPair{}, ErrRefreshTokenNotFoundOrUsed
		}
		return models.TokenPair{}, fmt.Errorf("get user by id: %w", err)
	}

	if meta.UserAgent != session.UserAgent {
		s.log.Warnw("Refresh from a different user agent", "user_id", user.ID)
	}

	return s.issueTokens(ctx, user.User, meta)
}

// Logout revokes the refresh session and blacklists the access token. Either
// may be missing; an unknown refresh token is not an error.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if refreshToken != "" {
		session, err := s.lookupRefreshSession(ctx, refreshToken)
		switch {
		case errors.Is(err, ErrRefreshTokenNotFoundOrUsed):
		case err != nil:
			return err
		default:
			if err := s.sessions.DeleteSession(ctx, session.Selector); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
	}

	if accessToken != "" {
		if err := s.tokens.InvalidateAccessToken(ctx, accessToken); err != nil {
			return err
		}
	}

	return nil
}

// ChangePassword updates the hash of userID. Existing sessions stay valid.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user by id: %w", err)
	}

	if req.Email != "" && !strings.EqualFold(strings.TrimSpace(req.Email), user.Email) {
		return ErrEmailMismatch
	}
	if err := CheckPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		return ErrInvalidCurrentPassword
	}

	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.log.Infow("Password changed", "user_id", user.ID)
	if s.notifier != nil {
		s.notifier.Notify(ctx, EventPasswordChanged, map[string]interface{}{
			"user_id":    user.ID,
			"email":      user.Email,
			"changed_at": s.now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

func (s *AuthService) ValidateAccessToken(ctx context.Context, token string) (string, error) {
	return s.tokens.ValidateAccessToken(ctx, token)
}

func (s *AuthService) issueTokens(ctx context.Context, user models.User, meta models.UserMetadata) (models.TokenPair, error) {
	now := s.now()

	accessToken, jti, err := s.tokens.CreateAccessToken(user.ID, user.Role, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("create access token: %w", err)
	}
	refreshToken, selector, verifierHash, err := s.tokens.CreateRefreshToken()
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("create refresh token: %w", err)
	}

	ttl := s.tokens.RefreshTTL()
	err = s.sessions.CreateSession(ctx, models.RefreshSession{
		Selector:       selector,
		VerifierHash:   verifierHash,
		UserID:         user.ID,
		UserAgent:      meta.UserAgent,
		IPAddress:      meta.IPAddress,
		AccessTokenJTI: jti,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}, ttl)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("create session: %w", err)
	}

	return models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (s *AuthService) lookupRefreshSession(ctx context.Context, refreshToken string) (*models.RefreshSession, error) {
	selector, _, err := SplitRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrRefreshTokenNotFoundOrUsed
	}

	session, err := s.sessions.GetSession(ctx, selector)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshSessionNotFound) {
			return nil, ErrRefreshTokenNotFoundOrUsed
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := s.tokens.ValidateRefreshToken(refreshToken, session.VerifierHash); err != nil {
		return nil, ErrRefreshTokenNotFoundOrUsed
	}

	return session, nil
}
