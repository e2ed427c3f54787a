package session

import (
	"context"
	"time"

	"github.com/rryowa/dashboard_session/internal/models"
)

// Backend is the remote auth service.
type Backend interface {
	Login(ctx context.Context, email, password string) (*models.LoginResult, error)
	Logout(ctx context.Context, tokens models.TokenPair) error
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
	ChangePassword(ctx context.Context, accessToken string, req models.ChangePasswordRequest) error
}

// Store persists the session between runs. Save must replace the whole
// record atomically.
type Store interface {
	Load(ctx context.Context) (*models.Session, error)
	Save(ctx context.Context, session models.Session) error
	Touch(ctx context.Context, at time.Time) error
	Clear(ctx context.Context) error
}

type Metrics interface {
	RecordLogin(success bool)
	RecordLogout(reason string)
	RecordRefresh(outcome string)
	RecordRestore(outcome string)
}

const (
	LogoutManual  = "manual"
	LogoutExpired = "expired"
	LogoutRevoked = "revoked"

	RefreshOK        = "ok"
	RefreshFailed    = "failed"
	RefreshRejected  = "rejected"
	RefreshSkipped   = "skipped"
	RefreshDiscarded = "discarded"

	RestoreNone     = "none"
	RestoreRestored = "restored"
	RestoreExpired  = "expired"
	RestoreInvalid  = "invalid"
	RestoreError    = "error"
)

type noopMetrics struct{}

func (noopMetrics) RecordLogin(bool)     {}
func (noopMetrics) RecordLogout(string)  {}
func (noopMetrics) RecordRefresh(string) {}
func (noopMetrics) RecordRestore(string) {}
