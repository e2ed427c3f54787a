package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rryowa/dashboard_session/internal/controller"
	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/util"
)

// BearerAuthMiddleware validates the access token and stores its subject
// under models.MwUserIDKey.
func BearerAuthMiddleware(authService *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := controller.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Access token is missing")
			}

			userID, err := authService.ValidateAccessToken(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(models.MwUserIDKey, userID)
			c.Set(models.MwTokenKey, token)

			return next(c)
		}
	}
}

type ipLimiter struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastAccess   time.Time
}

// LoginRateLimiter throttles login attempts per client IP. An IP that runs
// out of tokens is blocked for BlockTime.
type LoginRateLimiter struct {
	cfg *util.RateLimiterConfig
	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*ipLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewLoginRateLimiter(cfg *util.RateLimiterConfig) *LoginRateLimiter {
	rl := &LoginRateLimiter{
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*ipLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

func (rl *LoginRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *LoginRateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if retryAfter, ok := rl.allow(ip); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
			}
			return next(c)
		}
	}
}

func (rl *LoginRateLimiter) allow(ip string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	l, ok := rl.limiters[ip]
	if !ok {
		every := rl.cfg.Interval / time.Duration(rl.cfg.Limit)
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.Limit)}
		rl.limiters[ip] = l
	}
	l.lastAccess = now

	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}
	if !l.limiter.AllowN(now, 1) {
		l.blockedUntil = now.Add(rl.cfg.BlockTime)
		return rl.cfg.BlockTime, false
	}
	return 0, true
}

func (rl *LoginRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops limiters that are neither blocked nor recently used.
func (rl *LoginRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	ttl := rl.cfg.Interval + rl.cfg.BlockTime
	for ip, l := range rl.limiters {
		if now.After(l.blockedUntil) && now.Sub(l.lastAccess) > ttl {
			delete(rl.limiters, ip)
		}
	}
}

func GetLoggerMiddlewareConfig(a *API) echomiddleware.RequestLoggerConfig {
	return echomiddleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,

		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", c.Request().Method,
				"uri", v.URI,
				"status", v.Status,
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				a.log.Errorw("Request", fields...)
			} else {
				a.log.Infow("Request", fields...)
			}
			return nil
		},
	}
}
