package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/api"
	"github.com/rryowa/dashboard_session/internal/backend"
	"github.com/rryowa/dashboard_session/internal/controller"
	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/session"
	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/storage/memory"
	"github.com/rryowa/dashboard_session/internal/util"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "password123"
)

func newTestServer(t *testing.T, loginLimit int) *httptest.Server {
	t.Helper()

	log := zap.NewNop().Sugar()
	hash, err := service.HashPassword(adminPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := memory.NewUserRepository(models.StubUser{
		User:         models.User{ID: "u-1", Email: adminEmail, Name: "Admin", Role: models.RoleAdmin},
		PasswordHash: hash,
	})
	tokens := service.NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("test-secret"),
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   time.Hour,
	}, memory.NewTokenStorage())
	auth := service.NewAuthService(users, memory.NewSessionRepository(log), tokens, nil, log)

	a, err := api.NewAPI(
		controller.NewController(log, auth),
		auth,
		log,
		&util.ServerConfig{ServerAddr: "127.0.0.1:0"},
		&util.RateLimiterConfig{Limit: loginLimit, Interval: time.Minute, BlockTime: time.Minute},
	)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) *backend.Client {
	t.Helper()

	c, err := backend.NewClient(&util.BackendConfig{BaseURL: srv.URL + "/api", RequestTimeout: 5 * time.Second}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func doJSON(t *testing.T, method, url, body string, headers map[string]string) (int, models.ErrorResponse) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var errBody models.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	return resp.StatusCode, errBody
}

func TestPing(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, 10)

	resp, err := http.Get(srv.URL + "/api/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, 10)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		headers    map[string]string
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "wrong password",
			method:     http.MethodPost,
			path:       "/api/auth/login",
			body:       `{"email":"admin@example.com","password":"nope"}`,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "Invalid credentials",
		},
		{
			name:       "missing password fails validation",
			method:     http.MethodPost,
			path:       "/api/auth/login",
			body:       `{"email":"admin@example.com"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown refresh token",
			method:     http.MethodPost,
			path:       "/api/auth/refresh-token",
			body:       `{"refreshToken":"abc.def"}`,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "Invalid refresh token",
		},
		{
			name:       "change password without token",
			method:     http.MethodPut,
			path:       "/api/users/change-password",
			body:       `{"currentPassword":"a","newPassword":"b"}`,
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "Access token is missing",
		},
		{
			name:       "change password with garbage token",
			method:     http.MethodPut,
			path:       "/api/users/change-password",
			body:       `{"currentPassword":"a","newPassword":"b"}`,
			headers:    map[string]string{"Authorization": "Bearer garbage"},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, tt.method, srv.URL+tt.path, tt.body, tt.headers)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.wantStatus, body)
			}
			if body.Message == "" {
				t.Fatal("error body has no message")
			}
			if tt.wantMsg != "" && body.Message != tt.wantMsg {
				t.Fatalf("message = %q, want %q", body.Message, tt.wantMsg)
			}
		})
	}
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, 2)

	body := `{"email":"admin@example.com","password":"nope"}`
	for range 2 {
		if status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", body, nil); status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
	}
	status, errBody := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", body, nil)
	if status != http.StatusTooManyRequests || errBody.Message == "" {
		t.Fatalf("expected 429 with message, got %d %+v", status, errBody)
	}
}

func TestClientAgainstServer(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, 10)
	client := newClient(t, srv)
	ctx := context.Background()

	if _, err := client.Login(ctx, adminEmail, "wrong"); !errors.Is(err, backend.ErrRejected) || backend.Message(err) != "Invalid credentials" {
		t.Fatalf("expected rejected login with message, got %v", err)
	}

	res, err := client.Login(ctx, adminEmail, adminPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.ID != "u-1" || res.User.Role != models.RoleAdmin {
		t.Fatalf("unexpected user: %+v", res.User)
	}

	pair, err := client.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := client.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, backend.ErrRejected) {
		t.Fatalf("used refresh token accepted: %v", err)
	}

	err = client.ChangePassword(ctx, pair.AccessToken, models.ChangePasswordRequest{
		Email:           adminEmail,
		CurrentPassword: "bad",
		NewPassword:     "newpassword",
	})
	if backend.Message(err) != "Current password is incorrect" {
		t.Fatalf("unexpected change password error: %v", err)
	}

	if err := client.Logout(ctx, pair); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := client.Refresh(ctx, pair.RefreshToken); !errors.Is(err, backend.ErrRejected) {
		t.Fatalf("refresh token valid after logout: %v", err)
	}
	err = client.ChangePassword(ctx, pair.AccessToken, models.ChangePasswordRequest{
		Email:           adminEmail,
		CurrentPassword: adminPassword,
		NewPassword:     "newpassword",
	})
	if !errors.Is(err, backend.ErrRejected) {
		t.Fatalf("revoked access token accepted: %v", err)
	}
}

func TestSessionManagerAgainstServer(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, 10)
	client := newClient(t, srv)
	ctx := context.Background()

	store := storage.NewSessionStore(memory.NewKV(), "dashboard:")
	cfg := &util.SessionConfig{IdleTimeout: time.Hour, RefreshInterval: time.Hour, LogoutTimeout: time.Second}
	mgr := session.New(cfg, client, store, zap.NewNop().Sugar())
	t.Cleanup(mgr.Close)
	mgr.Initialize(ctx)

	if res := mgr.Login(ctx, adminEmail, "wrong"); res.OK || res.Message != "Invalid credentials" {
		t.Fatalf("unexpected failed login result: %+v", res)
	}
	if res := mgr.Login(ctx, adminEmail, adminPassword); !res.OK {
		t.Fatalf("login failed: %+v", res)
	}

	if res := mgr.ChangePassword(ctx, adminEmail, adminPassword, "newpassword"); !res.OK {
		t.Fatalf("change password failed: %+v", res)
	}
	if mgr.Snapshot().State != session.StateAuthenticated {
		t.Fatal("change password ended the session")
	}

	stored, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	mgr.Logout(ctx)

	if _, err := store.Load(ctx); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("store not cleared: %v", err)
	}
	if _, err := client.Refresh(ctx, stored.RefreshToken); !errors.Is(err, backend.ErrRejected) {
		t.Fatalf("server session not revoked on logout: %v", err)
	}
	if res := mgr.Login(ctx, adminEmail, "newpassword"); !res.OK {
		t.Fatalf("login with new password failed: %+v", res)
	}
}
