package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/util"
)

const defaultListenAddr = ":9090"

type webhookEvent struct {
	Event     string `json:"event"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ChangedAt string `json:"changed_at"`
}

// webhookreceiver logs account events posted by the auth stub.
func main() {
	logger := util.NewZapLogger(util.GetLogLevel())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())

	e.POST("/", func(ctx echo.Context) error {
		var ev webhookEvent
		if err := ctx.Bind(&ev); err != nil {
			return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Error parsing JSON"})
		}

		switch ev.Event {
		case service.EventPasswordChanged:
			logger.Infow("Password changed",
				"user_id", ev.UserID,
				"email", ev.Email,
				"changed_at", ev.ChangedAt,
			)
		default:
			logger.Warnw("Unknown webhook event", "event", ev.Event)
		}

		return ctx.String(http.StatusOK, "Webhook received!")
	})

	addr := defaultListenAddr
	if v := util.GetWebhookListenAddr(); v != "" {
		addr = v
	}
	logger.Infof("Webhook receiver listening on %s", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Fatal(zap.Error(err))
	}
}
