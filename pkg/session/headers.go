package session

import "net/http"

const (
	headerAntiCSRF      = "anti-csrf"
	headerFrontToken    = "front-token"
	headerAccessToken   = "st-access-token"
	headerRefreshToken  = "st-refresh-token"
	headerRID           = "rid"
	headerFDIVersion    = "fdi-version"
	headerAuthMode      = "st-auth-mode"
	headerAuthorization = "Authorization"

	ridAntiCSRF = "anti-csrf"
	ridSession  = "session"

	fdiVersions = "1.16,1.17,1.18,1.19,2.0,3.0"
)

// headerValue distinguishes an absent header from one sent with an empty
// value.
func headerValue(h http.Header, name string) (string, bool) {
	values, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func bearer(token string) string {
	return "Bearer " + token
}
