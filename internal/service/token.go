package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rryowa/dashboard_session/internal/storage"
	"github.com/rryowa/dashboard_session/internal/util"
)

var (
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrTokenMalformed       = errors.New("token is malformed")
	ErrTokenRevoked         = errors.New("token revoked")
	ErrInvalidUserID        = errors.New("invalid userID")
	ErrInvalidSigningMethod = errors.New("invalid signing method")
)

type TokenService struct {
	JwtSecretKey []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	tokenStorage storage.TokenStorage
}

func NewTokenService(cfg *util.TokenConfig, tokenStorage storage.TokenStorage) *TokenService {
	return &TokenService{
		JwtSecretKey: cfg.JwtSecretKey,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		tokenStorage: tokenStorage,
	}
}

type jwtClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (ts *TokenService) RefreshTTL() time.Duration {
	return ts.refreshTTL
}

// CreateAccessToken создает SHA512 signed access токен с новым JTI
func (ts *TokenService) CreateAccessToken(userID, role string, now time.Time) (string, string, error) {
	jti := uuid.NewString()

	claims := &jwtClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signedToken, err := token.SignedString(ts.JwtSecretKey)
	if err != nil {
		return "", "", fmt.Errorf("signed string: %w", err)
	}

	return signedToken, jti, nil
}

// CreateRefreshToken returns "selector.verifier". Only the SHA-256 of the
// verifier is meant to be stored.
func (ts *TokenService) CreateRefreshToken() (token, selector, verifierHash string, err error) {
	rawToken := make([]byte, util.RawTokenLength)
	if _, err = rand.Read(rawToken); err != nil {
		return "", "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	selector = base64.RawURLEncoding.EncodeToString(rawToken[:16])
	verifier := base64.RawURLEncoding.EncodeToString(rawToken[16:])
	verifierHash = hashVerifier(verifier)

	return selector + "." + verifier, selector, verifierHash, nil
}

func SplitRefreshToken(token string) (selector, verifier string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != util.TokenPartsExpected || parts[0] == "" || parts[1] == "" {
		return "", "", ErrTokenMalformed
	}
	return parts[0], parts[1], nil
}

func (ts *TokenService) ValidateRefreshToken(token, verifierHash string) error {
	_, verifier, err := SplitRefreshToken(token)
	if err != nil {
		return err
	}

	storedHash, err := hex.DecodeString(verifierHash)
	if err != nil {
		return fmt.Errorf("failed to decode stored hash: %w", err)
	}

	newHash := sha256.Sum256([]byte(verifier))
	if subtle.ConstantTimeCompare(newHash[:], storedHash) != 1 {
		return ErrTokenInvalid
	}

	return nil
}

// ValidateAccessToken checks the blacklist first, then signature and expiry,
// and returns the subject.
func (ts *TokenService) ValidateAccessToken(ctx context.Context, token string) (string, error) {
	isInvalidated, err := ts.IsAccessTokenInvalidated(ctx, token)
	if err != nil {
		return "", fmt.Errorf("failed to check if token is invalidated: %w", err)
	}
	if isInvalidated {
		return "", ErrTokenRevoked
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(util.JWTLeeWay),
		jwt.WithExpirationRequired(),
	}

	parsedToken, err := jwt.ParseWithClaims(
		token,
		&jwtClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS512.Alg() {
				return nil, ErrInvalidSigningMethod
			}
			return ts.JwtSecretKey, nil
		},
		opts...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	if parsedToken == nil || !parsedToken.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := parsedToken.Claims.(*jwtClaims)
	if !ok {
		return "", ErrTokenInvalid
	}
	if claims.UserID == "" {
		return "", ErrInvalidUserID
	}

	return claims.UserID, nil
}

func (ts *TokenService) InvalidateAccessToken(ctx context.Context, accessToken string) error {
	claims, err := ts.getClaimsFromToken(accessToken)
	if err != nil {
		return fmt.Errorf("get claims from token: %w", err)
	}

	expiration := time.Until(claims.ExpiresAt.Time)
	if expiration <= 0 {
		return nil
	}

	if err := ts.tokenStorage.InvalidateToken(ctx, accessToken, expiration); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

// IsAccessTokenInvalidated проверяет, находится ли токен в черном списке
// Это первый шаг валидации токена, до проверки подписи и срока действия
func (ts *TokenService) IsAccessTokenInvalidated(ctx context.Context, accessToken string) (bool, error) {
	isInvalidated, err := ts.tokenStorage.IsTokenInvalidated(ctx, accessToken)
	if err != nil {
		return false, fmt.Errorf("is token invalidated: %w", err)
	}
	return isInvalidated, nil
}

func (ts *TokenService) getClaimsFromToken(token string) (*jwtClaims, error) {
	parsedToken, _, err := new(jwt.Parser).ParseUnverified(token, &jwtClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := parsedToken.Claims.(*jwtClaims)
	if !ok || claims.ExpiresAt == nil {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

func hashVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return hex.EncodeToString(sum[:])
}
