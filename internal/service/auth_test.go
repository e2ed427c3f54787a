package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage/memory"
	"github.com/rryowa/dashboard_session/internal/util"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (n *recordingNotifier) Notify(_ context.Context, event string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.data = append(n.data, data)
}

type authFixture struct {
	svc      *AuthService
	tokens   *TokenService
	users    *memory.UserRepository
	notifier *recordingNotifier
}

var meta = models.UserMetadata{UserAgent: "test", IPAddress: "127.0.0.1"}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	hash, err := HashPassword("correctpw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := memory.NewUserRepository(models.StubUser{
		User:         models.User{ID: "u-1", Email: "a@b.com", Name: "Alice", Role: models.RoleAdmin},
		PasswordHash: hash,
	})
	tokens := NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("test-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   time.Hour,
	}, memory.NewTokenStorage())
	notifier := &recordingNotifier{}
	log := zap.NewNop().Sugar()

	return &authFixture{
		svc:      NewAuthService(users, memory.NewSessionRepository(log), tokens, notifier, log),
		tokens:   tokens,
		users:    users,
		notifier: notifier,
	}
}

func TestLoginIssuesValidPair(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "A@B.com", "correctpw", meta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.ID != "u-1" || !res.Tokens.Complete() {
		t.Fatalf("unexpected result: %+v", res)
	}

	userID, err := f.svc.ValidateAccessToken(ctx, res.Tokens.AccessToken)
	if err != nil || userID != "u-1" {
		t.Fatalf("access token invalid: %q %v", userID, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "a@b.com", "wrongpw"},
		{"unknown user", "nobody@b.com", "correctpw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Login(context.Background(), tt.email, tt.password, meta); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestRefreshRotatesAndIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "a@b.com", "correctpw", meta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	pair, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, meta)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.RefreshToken == res.Tokens.RefreshToken {
		t.Fatal("refresh token not rotated")
	}

	if _, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, meta); !errors.Is(err, ErrRefreshTokenNotFoundOrUsed) {
		t.Fatalf("reused refresh token accepted: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, meta); err != nil {
		t.Fatalf("rotated refresh token rejected: %v", err)
	}
}

func TestRefreshRejectsForgedTokens(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "a@b.com", "correctpw", meta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	selector, _, _ := SplitRefreshToken(res.Tokens.RefreshToken)

	for _, token := range []string{"", "garbage", selector + ".wrong-verifier", "unknown.verifier"} {
		if _, err := f.svc.Refresh(ctx, token, meta); !errors.Is(err, ErrRefreshTokenNotFoundOrUsed) {
			t.Fatalf("token %q: expected ErrRefreshTokenNotFoundOrUsed, got %v", token, err)
		}
	}
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "a@b.com", "correctpw", meta)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := f.svc.Logout(ctx, res.Tokens.AccessToken, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if _, err := f.svc.ValidateAccessToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("access token still valid: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, meta); !errors.Is(err, ErrRefreshTokenNotFoundOrUsed) {
		t.Fatalf("refresh token still valid: %v", err)
	}

	if err := f.svc.Logout(ctx, "", res.Tokens.RefreshToken); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, "u-1", models.ChangePasswordRequest{Email: "a@b.com", CurrentPassword: "bad", NewPassword: "newpw"})
	if !errors.Is(err, ErrInvalidCurrentPassword) {
		t.Fatalf("expected ErrInvalidCurrentPassword, got %v", err)
	}
	err = f.svc.ChangePassword(ctx, "u-1", models.ChangePasswordRequest{Email: "other@b.com", CurrentPassword: "correctpw", NewPassword: "newpw"})
	if !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected ErrEmailMismatch, got %v", err)
	}

	err = f.svc.ChangePassword(ctx, "u-1", models.ChangePasswordRequest{Email: "a@b.com", CurrentPassword: "correctpw", NewPassword: "newpw"})
	if err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := f.svc.Login(ctx, "a@b.com", "correctpw", meta); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := f.svc.Login(ctx, "a@b.com", "newpw", meta); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.events) != 1 || f.notifier.events[0] != EventPasswordChanged {
		t.Fatalf("unexpected notifications: %v", f.notifier.events)
	}
	if f.notifier.data[0]["user_id"] != "u-1" {
		t.Fatalf("unexpected payload: %v", f.notifier.data[0])
	}
}
