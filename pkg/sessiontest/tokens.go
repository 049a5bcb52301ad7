package sessiontest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
)

// Claims are the verified contents of an access token.
type Claims struct {
	UserID        string
	SessionHandle string
	Expiry        time.Time
	Payload       map[string]any
}

type claimsKey struct{}

// ClaimsFromContext returns the claims Protect stored on the request
// context, or a zero value outside a protected handler.
func ClaimsFromContext(ctx context.Context) Claims {
	c, _ := ctx.Value(claimsKey{}).(Claims)
	return c
}

// Protect lets a request through only with a valid access token, from the
// Authorization header or the access token cookie, for a live session. When
// the session carries an anti-CSRF token the request must echo it.
func (b *Backend) Protect(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(AccessTokenCookie); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			unauthorised(w, "try refresh token")
			return
		}

		claims, err := b.verifyAccessToken(token)
		if err != nil {
			b.log.Debug().Err(err).Str("path", r.URL.Path).Msg("access token rejected")
			unauthorised(w, "try refresh token")
			return
		}

		b.mu.Lock()
		rec, ok := b.sessions[claims.SessionHandle]
		live := ok && !rec.revoked
		antiCSRF := ""
		if ok {
			antiCSRF = rec.antiCSRF
		}
		b.mu.Unlock()

		if !live {
			b.clearSession(w, r)
			unauthorised(w, "unauthorised")
			return
		}
		if antiCSRF != "" && r.Header.Get("anti-csrf") != antiCSRF {
			b.log.Debug().Str("path", r.URL.Path).Msg("anti-csrf mismatch")
			unauthorised(w, "try refresh token")
			return
		}

		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (b *Backend) issueAccessToken(rec *record, u *user) (string, time.Time, error) {
	now := b.opts.Now()
	expiry := now.Add(b.opts.AccessTokenTTL)
	claims := jwt.MapClaims{
		"iss": b.opts.Issuer,
		"sub": u.id,
		"sid": rec.handle,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
		"up":  u.payload,
	}
	signed, err := jwt.
		NewWithClaims(jwt.SigningMethodES256, claims).
		SignedString(b.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, time.Unix(expiry.Unix(), 0), nil
}

func (b *Backend) verifyAccessToken(encoded string) (Claims, error) {
	token, err := jwt.Parse(
		encoded,
		func(t *jwt.Token) (any, error) { return &b.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(b.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.opts.Now),
	)
	if err != nil {
		return Claims{}, err
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	sub, _ := mc.GetSubject()
	exp, _ := mc.GetExpirationTime()
	sid, _ := mc["sid"].(string)
	payload, _ := mc["up"].(map[string]any)

	claims := Claims{
		UserID:        sub,
		SessionHandle: sid,
		Payload:       payload,
	}
	if exp != nil {
		claims.Expiry = exp.Time
	}
	return claims, nil
}

// writeSession sends a full credential set in the transfer mode the client
// asked for with st-auth-mode.
func (b *Backend) writeSession(w http.ResponseWriter, r *http.Request, rec *record, u *user) error {
	access, expiry, err := b.issueAccessToken(rec, u)
	if err != nil {
		return err
	}
	front, err := fronttoken.Encode(u.id, expiry, u.payload)
	if err != nil {
		return err
	}

	h := w.Header()
	h.Set("Access-Control-Expose-Headers", "front-token, anti-csrf, st-access-token, st-refresh-token")
	h.Set("front-token", front)
	if rec.antiCSRF != "" {
		h.Set("anti-csrf", rec.antiCSRF)
	}

	if cookieMode(r) {
		http.SetCookie(w, &http.Cookie{
			Name:     AccessTokenCookie,
			Value:    access,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshTokenCookie,
			Value:    rec.refreshToken,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}

	h.Set("st-access-token", access)
	h.Set("st-refresh-token", rec.refreshToken)
	return nil
}

// clearSession tells the client its session is gone.
func (b *Backend) clearSession(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("front-token", fronttoken.Remove)

	if cookieMode(r) {
		for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
			http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
		}
		return
	}

	h.Set("st-access-token", "")
	h.Set("st-refresh-token", "")
}

func cookieMode(r *http.Request) bool {
	return r.Header.Get("st-auth-mode") == "cookie"
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
