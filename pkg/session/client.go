package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

// Client owns one session: its configuration, its credential cache and the
// lock that orders refreshes against requests. Create one per session with
// New and share it between goroutines.
type Client struct {
	cfg     *settings
	log     zerolog.Logger
	tokens  *tokenStore
	events  *eventDispatcher
	metrics *metrics
	ready   atomic.Bool

	// gate is held for reading while credentials are attached and sent,
	// and for writing while a refresh runs. sync.RWMutex blocks new
	// readers once a writer is waiting.
	gate sync.RWMutex

	antiCSRF antiCSRFCache

	markerMu   sync.Mutex
	lastMarker int64

	retiredMu     sync.Mutex
	retiredAccess string
}

func New(store storage.Storage, cfg Config) (*Client, error) {
	if store == nil {
		return nil, &ConfigError{Field: "storage", Err: errors.New("nil storage")}
	}

	s, err := newSettings(cfg)
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(s.meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	c := &Client{
		cfg:     s,
		log:     s.logger.With().Str("component", "tokensession").Logger(),
		tokens:  newTokenStore(store),
		metrics: m,
	}
	c.events = &eventDispatcher{handler: cfg.EventHandler, client: c}
	c.ready.Store(true)

	c.log.Debug().
		Str("api_domain", s.apiDomain).
		Str("api_base_path", s.basePath).
		Str("mode", string(s.mode)).
		Int("max_retries", s.maxRetries).
		Msg("session client initialized")
	return c, nil
}

func (c *Client) initialised() bool {
	return c != nil && c.ready.Load()
}

// ResetForTesting puts the client back into its uninitialized state and
// drops cached credentials. Requests made through it afterwards fail with
// ErrNotInitialized.
func (c *Client) ResetForTesting() {
	if c == nil {
		return
	}
	c.ready.Store(false)
	c.Invalidate()
}

// Invalidate drops cached credentials so the next read goes to storage. Use
// it when another process may have written the storage.
func (c *Client) Invalidate() {
	if c == nil {
		return
	}
	c.tokens.invalidate()
	c.antiCSRF.reset()
}

// LocalSessionState reports whether a session exists locally and which
// credential generation it is on. It does not contact the backend.
func (c *Client) LocalSessionState() (LocalSessionState, error) {
	if !c.initialised() {
		return LocalSessionState{}, ErrNotInitialized
	}
	return c.localSessionState()
}

// DoesSessionExist reports whether a session exists. When the access token
// is known to have expired it refreshes first and reports the outcome.
func (c *Client) DoesSessionExist(ctx context.Context) (bool, error) {
	if !c.initialised() {
		return false, ErrNotInitialized
	}

	token, err := c.frontToken()
	if errors.Is(err, ErrNoSession) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if token.Expired(c.cfg.now()) {
		return c.AttemptRefreshingSession(ctx)
	}
	return true, nil
}

// AttemptRefreshingSession refreshes the session unless another refresh
// already moved it to a newer generation. It reports whether a session
// exists afterwards.
func (c *Client) AttemptRefreshingSession(ctx context.Context) (bool, error) {
	if !c.initialised() {
		return false, ErrNotInitialized
	}

	c.gate.RLock()
	pre, err := c.localSessionState()
	c.gate.RUnlock()
	if err != nil {
		return false, err
	}

	out := c.onUnauthorised(ctx, pre)
	switch out.result {
	case resultRetry:
		return true, nil
	case resultSessionExpired:
		return false, nil
	default:
		return false, out.err
	}
}

type signOutResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SignOut ends the session on the backend. Without a local session it only
// fires EventSignOut.
func (c *Client) SignOut(ctx context.Context) error {
	exists, err := c.DoesSessionExist(ctx)
	if err != nil {
		return err
	}
	if !exists {
		c.events.fire(EventSignOut)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.signOutURL.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	req.Header.Set(headerRID, ridSession)
	req.Header.Set(headerFDIVersion, fdiVersions)

	custom := &Customization{Header: http.Header{}}
	for k, v := range c.cfg.customHeaders(PurposeSignOut) {
		custom.Header.Set(k, v)
	}

	resp, err := c.Do(req, custom)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode == c.cfg.expiredCode {
		return nil
	}
	if resp.StatusCode >= 300 {
		return &APIError{Op: "sign out", StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	body := signOutResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.log.Debug().Err(err).Msg("sign out response without status body")
		return nil
	}
	if body.Status == "GENERAL_ERROR" {
		return &APIError{Op: "sign out", StatusCode: resp.StatusCode, Message: body.Message}
	}
	return nil
}

// GetUserID returns the user id carried by the front-token.
func (c *Client) GetUserID(ctx context.Context) (string, error) {
	if !c.initialised() {
		return "", ErrNotInitialized
	}
	token, err := c.frontToken()
	if err != nil {
		return "", err
	}
	return token.UserID(), nil
}

// GetAccessTokenPayloadSecurely returns the access token payload, refreshing
// first when the access token has expired.
func (c *Client) GetAccessTokenPayloadSecurely(ctx context.Context) (map[string]any, error) {
	if !c.initialised() {
		return nil, ErrNotInitialized
	}
	token, err := c.frontToken()
	if err != nil {
		return nil, err
	}

	if token.Expired(c.cfg.now()) {
		ok, err := c.AttemptRefreshingSession(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoSession
		}
		if token, err = c.frontToken(); err != nil {
			return nil, err
		}
	}
	return token.Payload(), nil
}

// GetAccessToken returns the raw access token. Only header transfer mode
// keeps one on the client.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	exists, err := c.DoesSessionExist(ctx)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrNoSession
	}

	token, ok, err := c.tokens.get(keyAccessToken)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoSession
	}
	return token, nil
}
