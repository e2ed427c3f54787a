package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
)

// ErrorHandler renders every error as {"message": ...}, the shape the
// dashboard client reads.
func ErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		if isUnauthorizedTokenError(err) {
			writeError(log, c, http.StatusUnauthorized, err.Error())
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if he.Code == http.StatusInternalServerError {
				log.Errorw("HTTP error", "error", err, "uri", c.Request().RequestURI)
			}
			writeError(log, c, he.Code, httpErrorMessage(he))
			return
		}

		log.Errorw("unhandled error", "error", err, "uri", c.Request().RequestURI)
		writeError(log, c, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(log *zap.SugaredLogger, c echo.Context, status int, msg string) {
	if err := c.JSON(status, models.ErrorResponse{Message: msg}); err != nil {
		log.Errorw("failed to write json response", "error", err)
	}
}

func httpErrorMessage(he *echo.HTTPError) string {
	switch m := he.Message.(type) {
	case string:
		return m
	case error:
		return m.Error()
	case nil:
		return http.StatusText(he.Code)
	default:
		return fmt.Sprint(m)
	}
}

func isUnauthorizedTokenError(err error) bool {
	return errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrTokenInvalid) ||
		errors.Is(err, service.ErrTokenRevoked) ||
		errors.Is(err, service.ErrInvalidUserID) ||
		errors.Is(err, service.ErrRefreshTokenNotFoundOrUsed)
}
