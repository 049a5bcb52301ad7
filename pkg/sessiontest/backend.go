// Package sessiontest provides an in-process session backend for testing
// clients of package session. It issues ES256 access tokens, opaque
// rotating refresh tokens, anti-CSRF tokens and front-tokens, in header or
// cookie transfer mode as requested by each client.
package sessiontest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBasePath        = "/auth"
	DefaultIssuer          = "sessiontest.local"
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	AccessTokenCookie  = "sAccessToken"
	RefreshTokenCookie = "sRefreshToken"
)

var ErrUserExists = errors.New("user already exists")

type Options struct {
	BasePath        string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DisableAntiCSRF stops issuing and checking anti-CSRF tokens.
	DisableAntiCSRF bool

	// PasswordCost is the bcrypt cost for AddUser. Defaults to
	// bcrypt.MinCost, which keeps tests fast.
	PasswordCost int

	SigningKey *ecdsa.PrivateKey
	Now        func() time.Time
	Logger     *zerolog.Logger
}

type user struct {
	id      string
	handle  string
	secret  []byte
	payload map[string]any
}

type record struct {
	handle        string
	userID        string
	refreshToken  string
	antiCSRF      string
	refreshExpiry time.Time
	revoked       bool
}

// Backend is an http.Handler serving the session endpoints under
// Options.BasePath plus any routes added with Handle.
type Backend struct {
	opts   Options
	router *mux.Router
	key    *ecdsa.PrivateKey
	log    zerolog.Logger

	mu        sync.Mutex
	users     map[string]*user // by handle
	sessions  map[string]*record
	byRefresh map[string]*record

	refreshCalls atomic.Int64
}

func New(opts Options) (*Backend, error) {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	if opts.Issuer == "" {
		opts.Issuer = DefaultIssuer
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.MinCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	key := opts.SigningKey
	if key == nil {
		var err error
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	b := &Backend{
		opts:      opts,
		router:    mux.NewRouter(),
		key:       key,
		log:       logger,
		users:     make(map[string]*user),
		sessions:  make(map[string]*record),
		byRefresh: make(map[string]*record),
	}
	b.buildRouter()
	return b, nil
}

func (b *Backend) buildRouter() {
	auth := b.router.PathPrefix(b.opts.BasePath).Subrouter()
	auth.HandleFunc("/signin", b.signIn).Methods(http.MethodPost)
	auth.HandleFunc("/session/refresh", b.refresh).Methods(http.MethodPost)
	auth.Handle("/signout", b.Protect(http.HandlerFunc(b.signOut))).Methods(http.MethodPost)

	b.router.Handle("/api/user", b.Protect(http.HandlerFunc(b.currentUser))).Methods(http.MethodGet)
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Handle registers an extra route, e.g. Handle("/api/x", b.Protect(h)).
func (b *Backend) Handle(path string, h http.Handler) *mux.Route {
	return b.router.Handle(path, h)
}

func (b *Backend) BasePath() string { return b.opts.BasePath }

func (b *Backend) VerificationKey() *ecdsa.PublicKey { return &b.key.PublicKey }

// AddUser registers a user and returns its generated id.
func (b *Backend) AddUser(handle string, password string) (string, error) {
	secret, err := bcrypt.GenerateFromPassword([]byte(password), b.opts.PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password for %s: %w", handle, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[handle]; ok {
		return "", ErrUserExists
	}
	u := &user{
		id:      uuid.NewString(),
		handle:  handle,
		secret:  secret,
		payload: map[string]any{},
	}
	b.users[handle] = u
	return u.id, nil
}

// SetAccessTokenPayload replaces the payload carried by the tokens issued
// to handle from now on.
func (b *Backend) SetAccessTokenPayload(handle string, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[handle]
	if !ok {
		return fmt.Errorf("unknown user %q", handle)
	}
	u.payload = payload
	return nil
}

// RefreshCalls counts requests to the refresh endpoint, failed ones
// included.
func (b *Backend) RefreshCalls() int64 {
	return b.refreshCalls.Load()
}

// RevokeSessions ends every session. Access tokens already issued stop
// working and refresh requests answer 401.
func (b *Backend) RevokeSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.sessions {
		rec.revoked = true
	}
}

// ActiveSessions counts sessions that are neither revoked nor expired.
func (b *Backend) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()
	n := 0
	for _, rec := range b.sessions {
		if !rec.revoked && now.Before(rec.refreshExpiry) {
			n++
		}
	}
	return n
}

type signInRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type userResponse struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

type statusResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	User    *userResponse `json:"user,omitempty"`
}

func (b *Backend) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeRequest(&req, w, r) {
		return
	}

	b.mu.Lock()
	u, ok := b.users[req.Handle]
	b.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.secret, []byte(req.Password)) != nil {
		b.log.Debug().Str("handle", req.Handle).Msg("sign in rejected")
		returnJson(statusResponse{Status: "WRONG_CREDENTIALS_ERROR"}, w)
		return
	}

	rec := b.createSession(u)
	if err := b.writeSession(w, r, rec, u); err != nil {
		b.log.Error().Err(err).Msg("failed to issue session")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	returnJson(statusResponse{
		Status: "OK",
		User:   &userResponse{ID: u.id, Handle: u.handle},
	}, w)
}

func (b *Backend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)

	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(RefreshTokenCookie); err == nil {
			token = c.Value
		}
	}

	b.mu.Lock()
	rec, ok := b.byRefresh[token]
	now := b.opts.Now()
	if !ok || rec.revoked || !now.Before(rec.refreshExpiry) {
		b.mu.Unlock()
		b.log.Debug().Msg("refresh rejected")
		b.clearSession(w, r)
		unauthorised(w, "unauthorised")
		return
	}

	// rotate; the old refresh token stops working
	delete(b.byRefresh, rec.refreshToken)
	rec.refreshToken = uuid.NewString()
	rec.refreshExpiry = now.Add(b.opts.RefreshTokenTTL)
	if !b.opts.DisableAntiCSRF {
		rec.antiCSRF = uuid.NewString()
	}
	b.byRefresh[rec.refreshToken] = rec
	u := b.userByIDLocked(rec.userID)
	b.mu.Unlock()

	if u == nil {
		b.clearSession(w, r)
		unauthorised(w, "unauthorised")
		return
	}

	if err := b.writeSession(w, r, rec, u); err != nil {
		b.log.Error().Err(err).Msg("failed to issue session")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	returnJson(statusResponse{Status: "OK"}, w)
}

func (b *Backend) signOut(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	b.mu.Lock()
	if rec, ok := b.sessions[claims.SessionHandle]; ok {
		rec.revoked = true
		delete(b.byRefresh, rec.refreshToken)
	}
	b.mu.Unlock()

	b.clearSession(w, r)
	returnJson(statusResponse{Status: "OK"}, w)
}

func (b *Backend) currentUser(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	returnJson(map[string]string{"userId": claims.UserID}, w)
}

func (b *Backend) createSession(u *user) *record {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := &record{
		handle:        uuid.NewString(),
		userID:        u.id,
		refreshToken:  uuid.NewString(),
		refreshExpiry: b.opts.Now().Add(b.opts.RefreshTokenTTL),
	}
	if !b.opts.DisableAntiCSRF {
		rec.antiCSRF = uuid.NewString()
	}
	b.sessions[rec.handle] = rec
	b.byRefresh[rec.refreshToken] = rec
	return rec
}

func (b *Backend) userByIDLocked(id string) *user {
	for _, u := range b.users {
		if u.id == id {
			return u
		}
	}
	return nil
}

func decodeRequest[T any](req *T, w http.ResponseWriter, r *http.Request) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func returnJson(data any, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func unauthorised(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(statusResponse{Message: msg})
}
