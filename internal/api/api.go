package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	middleware "github.com/oapi-codegen/echo-middleware"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/controller"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/util"
)

const (
	shutdownTimeout = 5 * time.Second
)

type API struct {
	server          *echo.Echo
	controller      *controller.Controller
	authService     *service.AuthService
	limiter         *LoginRateLimiter
	log             *zap.SugaredLogger
	gracefulTimeout time.Duration
}

// NewAPI wires routes and middleware. The returned API is ready to serve;
// Run only starts listening.
func NewAPI(
	c *controller.Controller,
	authService *service.AuthService,
	l *zap.SugaredLogger,
	sc *util.ServerConfig,
	rc *util.RateLimiterConfig,
) (*API, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.Addr = sc.ServerAddr
	e.Server.WriteTimeout = sc.WriteTimeout
	e.Server.ReadTimeout = sc.ReadTimeout
	e.Server.IdleTimeout = sc.IdleTimeout
	e.HTTPErrorHandler = ErrorHandler(l)

	a := &API{
		server:          e,
		controller:      c,
		authService:     authService,
		limiter:         NewLoginRateLimiter(rc),
		log:             l,
		gracefulTimeout: sc.GracefulTimeout,
	}

	swagger, err := controller.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI specification: %w", err)
	}
	swagger.Servers = nil

	a.server.Use(echomiddleware.Recover())
	a.server.Use(echomiddleware.RequestLoggerWithConfig(GetLoggerMiddlewareConfig(a)))

	g := a.server.Group("/api")
	g.Use(middleware.OapiRequestValidator(swagger))
	controller.RegisterHandlers(
		g,
		a.controller,
		[]echo.MiddlewareFunc{a.limiter.Middleware()},
		[]echo.MiddlewareFunc{BearerAuthMiddleware(a.authService)},
	)

	return a, nil
}

// Handler exposes the router, mostly for httptest.
func (a *API) Handler() http.Handler {
	return a.server
}

// Close releases background resources. It does not stop a running server.
func (a *API) Close() {
	a.limiter.Stop()
}

func (a *API) Run(ctxBackground context.Context) {
	ctx, stop := signal.NotifyContext(ctxBackground, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	a.ListenGracefulShutdown(ctx)
}

func (a *API) ListenGracefulShutdown(ctx context.Context) {
	go func() {
		err := a.server.Start(a.server.Server.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()
	a.log.Infof("Listening on: %s", a.server.Server.Addr)
	a.log.Debugf("instance id: %s", uuid.New().String())

	<-ctx.Done()
	a.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Errorf("shutdown: %v", err)
	}

	longShutdown := make(chan struct{}, 1)

	go func() {
		time.Sleep(a.gracefulTimeout)
		longShutdown <- struct{}{}
	}()

	select {
	case <-shutdownCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			a.log.Info("server shutdown completed")
		} else {
			a.log.Errorf("server shutdown: %v", ctx.Err())
		}
	case <-longShutdown:
		a.log.Infof("finished")
	}
}
