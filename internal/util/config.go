package util

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

//nolint:gochecknoglobals // here its ok
var once sync.Once

func init() {
	once.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("Warning: could not load .env file: %v", err)
		}
	})
}

const (
	defaultServerAddr      = "localhost:5000"
	defaultWriteTimeout    = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultGracefulTimeout = 5 * time.Second

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour

	defaultRateLimit     = 10
	defaultRateInterval  = 1 * time.Minute
	defaultRateBlockTime = 5 * time.Minute

	defaultBackendURL      = "http://localhost:5000/api"
	defaultRequestTimeout  = 10 * time.Second
	defaultSessionIdle     = 60 * time.Minute
	defaultRefreshInterval = 15 * time.Minute
	defaultLogoutTimeout   = 5 * time.Second
	defaultStoreKind       = "file"
	defaultStorePrefix     = "dashboard:"

	defaultStubEmail    = "admin@example.com"
	defaultStubPassword = "password123"
	defaultStubName     = "Admin"

	TokenPartsExpected = 2
	RawTokenLength     = 32
	JWTLeeWay          = 5 * time.Second
)

type ServerConfig struct {
	ServerAddr      string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
}

func NewServerConfig() *ServerConfig {
	addr := os.Getenv("SERVER_ADDRESS")
	if addr == "" {
		addr = defaultServerAddr
	}

	return &ServerConfig{
		ServerAddr:      addr,
		WriteTimeout:    parseDurationOrDefault("WRITE_TIMEOUT", defaultWriteTimeout),
		ReadTimeout:     parseDurationOrDefault("READ_TIMEOUT", defaultReadTimeout),
		IdleTimeout:     parseDurationOrDefault("IDLE_TIMEOUT", defaultIdleTimeout),
		GracefulTimeout: parseDurationOrDefault("GRACEFUL_TIMEOUT", defaultGracefulTimeout),
	}
}

type TokenConfig struct {
	JwtSecretKey []byte
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

func NewTokenConfig() *TokenConfig {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	return &TokenConfig{
		JwtSecretKey: []byte(secret),
		AccessTTL:    parseDurationOrDefault("ACCESS_TOKEN_TTL", defaultAccessTTL),
		RefreshTTL:   parseDurationOrDefault("REFRESH_TOKEN_TTL", defaultRefreshTTL),
	}
}

type RateLimiterConfig struct {
	Limit     int
	Interval  time.Duration
	BlockTime time.Duration
}

func NewRateLimiterConfig() *RateLimiterConfig {
	limitStr := os.Getenv("RATE_LIMIT_LIMIT")
	limit := defaultRateLimit
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		} else {
			log.Printf("Invalid RATE_LIMIT_LIMIT: %s, using default %d", limitStr, defaultRateLimit)
		}
	}

	interval := parseDurationOrDefault("RATE_LIMIT_INTERVAL", defaultRateInterval)
	blockTime := parseDurationOrDefault("RATE_LIMIT_BLOCK_TIME", defaultRateBlockTime)

	return &RateLimiterConfig{
		Limit:     limit,
		Interval:  interval,
		BlockTime: blockTime,
	}
}

// StubUserConfig seeds the single account known to the dev auth backend.
type StubUserConfig struct {
	Email    string
	Password string
	Name     string
}

func NewStubUserConfig() *StubUserConfig {
	return &StubUserConfig{
		Email:    getEnvOrDefault("STUB_ADMIN_EMAIL", defaultStubEmail),
		Password: getEnvOrDefault("STUB_ADMIN_PASSWORD", defaultStubPassword),
		Name:     getEnvOrDefault("STUB_ADMIN_NAME", defaultStubName),
	}
}

// BackendConfig points the client at the dashboard REST API.
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

func NewBackendConfig() *BackendConfig {
	return &BackendConfig{
		BaseURL:        getEnvOrDefault("AUTH_BACKEND_URL", defaultBackendURL),
		RequestTimeout: parseDurationOrDefault("AUTH_REQUEST_TIMEOUT", defaultRequestTimeout),
	}
}

// SessionConfig holds the session lifecycle timings. IdleTimeout was 10m in
// an older revision of the dashboard; 60m is the production value.
type SessionConfig struct {
	IdleTimeout     time.Duration
	RefreshInterval time.Duration
	LogoutTimeout   time.Duration
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		IdleTimeout:     parseDurationOrDefault("SESSION_IDLE_TIMEOUT", defaultSessionIdle),
		RefreshInterval: parseDurationOrDefault("SESSION_REFRESH_INTERVAL", defaultRefreshInterval),
		LogoutTimeout:   parseDurationOrDefault("SESSION_LOGOUT_TIMEOUT", defaultLogoutTimeout),
	}
}

type StoreConfig struct {
	Kind   string
	Path   string
	Prefix string
}

func NewStoreConfig() *StoreConfig {
	return &StoreConfig{
		Kind:   strings.ToLower(getEnvOrDefault("SESSION_STORE", defaultStoreKind)),
		Path:   getEnvOrDefault("SESSION_STORE_PATH", defaultStorePath()),
		Prefix: getEnvOrDefault("SESSION_STORE_PREFIX", defaultStorePrefix),
	}
}

func GetWebhookURL() string {
	return os.Getenv("WEBHOOK_URL")
}

func GetWebhookListenAddr() string {
	return os.Getenv("WEBHOOK_LISTEN_ADDR")
}

func GetMetricsAddr() string {
	return os.Getenv("METRICS_ADDR")
}

func GetLogLevel() string {
	return getEnvOrDefault("LOG_LEVEL", "info")
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dashboard", "session.json")
}

func getEnvOrDefault(varName, def string) string {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		return v
	}
	return def
}

func parseDurationOrDefault(varName string, def time.Duration) time.Duration {
	if v := os.Getenv(varName); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("Invalid duration in %s: %s, using default %s", varName, v, def)
	}
	return def
}
