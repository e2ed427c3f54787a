package session

import (
	"net/http"

	"github.com/rryowa/dashboard_session/internal/models"
)

type authTransport struct {
	base  http.RoundTripper
	token func() string
}

// Transport wraps base so that outgoing requests carry the current access
// token. Requests that already set Authorization are left alone.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, token: m.AccessToken}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.token()
	if token == "" || req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", models.MwBearerPrefix+token)
	return t.base.RoundTrip(clone)
}
