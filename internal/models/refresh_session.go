package models

import "time"

// RefreshSession is the dev backend's record of an issued refresh token.
// Only the verifier hash is kept; the selector locates the record.
type RefreshSession struct {
	Selector       string    `json:"selector"`
	VerifierHash   string    `json:"verifier_hash"`
	UserID         string    `json:"user_id"`
	UserAgent      string    `json:"user_agent"`
	IPAddress      string    `json:"ip_address"`
	AccessTokenJTI string    `json:"access_token_jti"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// StubUser is an account of the dev backend.
type StubUser struct {
	User
	PasswordHash string
}

type UserMetadata struct {
	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`
}
