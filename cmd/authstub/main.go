package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/dashboard_session/internal/api"
	"github.com/rryowa/dashboard_session/internal/controller"
	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/service"
	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/storage/memory"
	"github.com/rryowa/dashboard_session/internal/storage/redis"
	"github.com/rryowa/dashboard_session/internal/util"
)

// authstub serves the dashboard auth API for local development. Refresh
// sessions and the access token blacklist live in redis when REDIS_ADDR is
// set and in memory otherwise.
func main() {
	ctx := context.Background()
	logger := util.NewZapLogger(util.GetLogLevel())

	stub := util.NewStubUserConfig()
	hash, err := service.HashPassword(stub.Password)
	if err != nil {
		logger.Fatal(zap.Error(err))
	}
	users := memory.NewUserRepository(models.StubUser{
		User: models.User{
			ID:    uuid.NewString(),
			Email: stub.Email,
			Name:  stub.Name,
			Role:  models.RoleAdmin,
		},
		PasswordHash: hash,
	})

	var (
		sessions storage.SessionRepository
		tokens   storage.TokenStorage
	)
	if os.Getenv("REDIS_ADDR") != "" {
		redisCfg, err := util.NewRedisConfig()
		if err != nil {
			logger.Fatal(zap.Error(err))
		}
		redisClient, redisCleanup, err := util.NewRedisClient(ctx, logger, redisCfg)
		if err != nil {
			logger.Fatal(zap.Error(err))
		}
		defer redisCleanup()

		sessions = redis.NewSessionRepository(redisClient)
		tokens = redis.NewTokenStorage(redisClient)
	} else {
		sessions = memory.NewSessionRepository(logger)
		tokens = memory.NewTokenStorage()
	}

	tokenService := service.NewTokenService(util.NewTokenConfig(), tokens)
	webhookService := service.NewWebhookService(logger, util.GetWebhookURL())
	authService := service.NewAuthService(users, sessions, tokenService, webhookService, logger)

	c := controller.NewController(logger, authService)

	apiServer, err := api.NewAPI(c, authService, logger, util.NewServerConfig(), util.NewRateLimiterConfig())
	if err != nil {
		logger.Fatal(zap.Error(err))
	}
	logger.Infow("Stub account ready", "email", stub.Email)
	apiServer.Run(ctx)
}
