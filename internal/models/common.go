package models

//nolint:gosec //file not handles sensitive data
const (
	MwBearerPrefix = "Bearer "

	MwUserIDKey = "userID"
	MwTokenKey  = "token"

	RoleAdmin = "admin"
)

// User is the identity record of the signed-in dashboard user.
type User struct {
	ID     string `json:"_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Avatar string `json:"avatar,omitempty"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}
