package models

import "time"

// Session is the client-side authenticated session. It is always replaced as
// a whole, never patched field by field.
type Session struct {
	User         User
	AccessToken  string
	RefreshToken string
	LastActivity time.Time
}

func (s Session) Tokens() TokenPair {
	return TokenPair{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
}

// WithTokens returns a copy carrying the rotated token pair.
func (s Session) WithTokens(p TokenPair) Session {
	s.AccessToken = p.AccessToken
	s.RefreshToken = p.RefreshToken
	return s
}

// WithActivity returns a copy whose LastActivity is at, unless at is older.
func (s Session) WithActivity(at time.Time) Session {
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return s
}

// LoginResult is what the auth backend returns for valid credentials.
type LoginResult struct {
	User   User
	Tokens TokenPair
}
