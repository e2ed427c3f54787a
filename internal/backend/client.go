package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/util"
)

const (
	loginPath          = "/auth/login"
	logoutPath         = "/auth/logout"
	refreshPath        = "/auth/refresh-token"
	changePasswordPath = "/users/change-password"

	maxResponseBytes      = 1 << 20
	defaultRequestTimeout = 10 * time.Second
)

// Client talks to the dashboard REST API auth endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewClient(cfg *util.BackendConfig, log *zap.SugaredLogger) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse auth backend url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid auth backend url: %q", trimmed)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	var resp models.LoginResponse
	err := c.doJSON(ctx, "login", http.MethodPost, loginPath, "", models.LoginRequest{
		Email:    email,
		Password: password,
	}, &resp)
	if err != nil {
		return nil, err
	}

	tokens := models.TokenPair{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	if resp.User.ID == "" || !tokens.Complete() {
		msg := resp.Message
		if msg == "" {
			msg = "Login failed"
		}
		return nil, &RequestError{Op: "login", Message: msg, Err: ErrMalformedResponse}
	}

	return &models.LoginResult{User: resp.User, Tokens: tokens}, nil
}

// Logout revokes the session server side. The access token, when present, is
// sent as a bearer credential.
func (c *Client) Logout(ctx context.Context, tokens models.TokenPair) error {
	return c.doJSON(ctx, "logout", http.MethodPost, logoutPath, tokens.AccessToken, models.LogoutRequest{
		RefreshToken: tokens.RefreshToken,
	}, nil)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	var pair models.TokenPair
	err := c.doJSON(ctx, "refresh token", http.MethodPost, refreshPath, "", models.TokenRefreshRequest{
		RefreshToken: refreshToken,
	}, &pair)
	if err != nil {
		return models.TokenPair{}, err
	}
	if !pair.Complete() {
		return models.TokenPair{}, &RequestError{Op: "refresh token", Err: ErrMalformedResponse}
	}
	return pair, nil
}

func (c *Client) ChangePassword(ctx context.Context, accessToken string, req models.ChangePasswordRequest) error {
	return c.doJSON(ctx, "change password", http.MethodPut, changePasswordPath, accessToken, req, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path, bearer string, requestBody, responseBody interface{}) error {
	var bodyReader io.Reader
	if requestBody != nil {
		payload, err := json.Marshal(requestBody)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("marshal request body: %w", err)}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", models.MwBearerPrefix+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.StatusCode),
		}
		c.log.Debugw("auth backend returned error", "op", op, "status", resp.StatusCode)
		return reqErr
	}

	if responseBody == nil || len(bytes.TrimSpace(raw)) == 0 {
		if responseBody != nil {
			return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: ErrMalformedResponse}
		}
		return nil
	}
	if err := json.Unmarshal(raw, responseBody); err != nil {
		return &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.Join(ErrMalformedResponse, err),
		}
	}
	return nil
}

func errorMessage(raw []byte, status int) string {
	var body models.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Reason != "" {
			return body.Reason
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "{") {
		return text
	}
	return http.StatusText(status)
}
