package controller

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/util"
)

type Controller struct {
	zapLogger   *zap.SugaredLogger
	authService *service.AuthService
}

func NewController(logger *zap.SugaredLogger, authService *service.AuthService) *Controller {
	return &Controller{
		zapLogger:   logger,
		authService: authService,
	}
}

// (GET /api/ping).
func (c *Controller) CheckServer(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, "ok")
}

// (POST /api/auth/login).
func (c *Controller) Login(ctx echo.Context) error {
	var req models.LoginRequest
	if err := ctx.Bind(&req); err != nil {
		return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Invalid request body"))
	}

	res, err := c.authService.Login(ctx.Request().Context(), req.Email, req.Password, metadata(ctx))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return InternalError(ctx, util.NewResponseError(http.StatusUnauthorized, "Invalid credentials"))
		}
		return InternalError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, models.LoginResponse{
		Success:      true,
		User:         res.User,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		Message:      "Login successful",
	})
}

// (POST /api/auth/refresh-token).
func (c *Controller) RefreshToken(ctx echo.Context) error {
	var req models.TokenRefreshRequest
	if err := ctx.Bind(&req); err != nil {
		return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Invalid request body"))
	}

	pair, err := c.authService.Refresh(ctx.Request().Context(), req.RefreshToken, metadata(ctx))
	if err != nil {
		if errors.Is(err, service.ErrRefreshTokenNotFoundOrUsed) {
			return InternalError(ctx, util.NewResponseError(http.StatusUnauthorized, "Invalid refresh token"))
		}
		return InternalError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, pair)
}

// (POST /api/auth/logout). The bearer token is optional here so a client
// holding only a refresh token can still end its session.
func (c *Controller) Logout(ctx echo.Context) error {
	var req models.LogoutRequest
	if ctx.Request().ContentLength != 0 {
		if err := ctx.Bind(&req); err != nil {
			return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Invalid request body"))
		}
	}

	accessToken := BearerToken(ctx.Request().Header.Get(echo.HeaderAuthorization))
	if err := c.authService.Logout(ctx.Request().Context(), accessToken, req.RefreshToken); err != nil {
		if errors.Is(err, service.ErrTokenMalformed) {
			return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Malformed access token"))
		}
		return InternalError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, models.MessageResponse{Success: true, Message: "Logged out"})
}

// (PUT /api/users/change-password).
func (c *Controller) ChangePassword(ctx echo.Context) error {
	userID, ok := ctx.Get(models.MwUserIDKey).(string)
	if !ok || userID == "" {
		return InternalError(ctx, util.NewResponseError(http.StatusUnauthorized, "Unauthorized"))
	}

	var req models.ChangePasswordRequest
	if err := ctx.Bind(&req); err != nil {
		return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Invalid request body"))
	}

	err := c.authService.ChangePassword(ctx.Request().Context(), userID, req)
	switch {
	case errors.Is(err, service.ErrInvalidCurrentPassword):
		return InternalError(ctx, util.NewResponseError(http.StatusBadRequest, "Current password is incorrect"))
	case errors.Is(err, service.ErrEmailMismatch):
		return InternalError(ctx, util.NewResponseError(http.StatusForbidden, "Email does not match the signed-in user"))
	case err != nil:
		return InternalError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, models.MessageResponse{Success: true, Message: "Password changed successfully"})
}

func InternalError(ctx echo.Context, err error) error {
	var customErr util.MyResponseError
	if errors.As(err, &customErr) {
		return ctx.JSON(customErr.Status, models.ErrorResponse{Message: customErr.Msg})
	}
	return err
}

// BearerToken returns the token of an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	if len(header) < len(models.MwBearerPrefix) || !strings.EqualFold(header[:len(models.MwBearerPrefix)], models.MwBearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(models.MwBearerPrefix):])
}

func metadata(ctx echo.Context) models.UserMetadata {
	return models.UserMetadata{
		UserAgent: ctx.Request().UserAgent(),
		IPAddress: ctx.RealIP(),
	}
}
