package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"git.sr.ht/~jakintosh/tokensession/internal/scope"
)

// Customization adjusts a request on every attempt, after the session
// headers are attached.
type Customization struct {
	Method string
	Header http.Header // replaces headers of the same name
	Body   []byte      // replaces the body when non-nil

	// PreserveAuthorization keeps the caller's Authorization header even
	// when it matches a token the client manages.
	PreserveAuthorization bool
}

func (cu *Customization) apply(req *http.Request) {
	if cu == nil {
		return
	}
	if cu.Method != "" {
		req.Method = cu.Method
	}
	for k, values := range cu.Header {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if cu.Body != nil {
		body := cu.Body
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}
}

type preserveAuthorizationKey struct{}

// WithPreservedAuthorization marks requests made with ctx so the client
// never replaces or strips their Authorization header.
func WithPreservedAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, preserveAuthorizationKey{}, true)
}

func preservedAuthorization(ctx context.Context) bool {
	v, _ := ctx.Value(preserveAuthorizationKey{}).(bool)
	return v
}

// interceptedKey marks an attempt that a client already prepared. The value
// is the *Client, so a second pass of the same client further down the
// transport stack sends it unchanged.
type interceptedKey struct{}

func (c *Client) alreadyIntercepted(req *http.Request) bool {
	owner, _ := req.Context().Value(interceptedKey{}).(*Client)
	return owner == c
}

// intercept runs one logical request through attach, send, persist and,
// on the session-expired status, refresh and retry.
func (c *Client) intercept(
	req *http.Request,
	custom *Customization,
	send RoundTripFunc,
) (*http.Response, error) {
	if !c.initialised() {
		closeRequestBody(req)
		return nil, ErrNotInitialized
	}
	if c.alreadyIntercepted(req) {
		return send(req)
	}

	intercepted, err := c.shouldIntercept(req.URL)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}
	if !intercepted || c.isRefreshURL(req.URL) {
		if custom != nil {
			req = req.Clone(req.Context())
			custom.apply(req)
		}
		return send(req)
	}

	base, err := replayable(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := c.cleanupIfSessionGone(); err != nil {
			c.log.Warn().Err(err).Msg("failed to clear credentials")
		}
	}()

	attempts := 0
	for {
		resp, pre, err := c.attachAndSend(base, custom, send)
		if err != nil {
			return nil, err
		}

		c.syncJar(resp)
		if err := c.saveTokensFromHeaders(resp.Header); err != nil {
			drainAndClose(resp)
			return nil, err
		}
		c.events.fireLifecycleEvent(pre.Exists(), resp.Header, resp.StatusCode)

		if resp.StatusCode != c.cfg.expiredCode {
			return resp, nil
		}

		if attempts >= c.cfg.maxRetries {
			if err := bufferBody(resp); err != nil {
				return nil, err
			}
			c.log.Error().
				Str("url", base.URL.String()).
				Int("limit", c.cfg.maxRetries).
				Msg("session refresh attempts exhausted")
			return nil, &MaxRetryError{
				URL:      base.URL.String(),
				Limit:    c.cfg.maxRetries,
				Response: resp,
			}
		}
		attempts++

		out := c.onUnauthorised(base.Context(), pre)
		switch out.result {
		case resultRetry:
			drainAndClose(resp)
			c.metrics.retry(base.Context())
			continue
		case resultSessionExpired:
			return resp, nil
		default:
			drainAndClose(resp)
			return nil, out.err
		}
	}
}

// attachAndSend holds the read lock while credentials are attached and the
// request is sent, so no refresh can rotate them in between.
func (c *Client) attachAndSend(
	base *http.Request,
	custom *Customization,
	send RoundTripFunc,
) (*http.Response, LocalSessionState, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	pre, err := c.localSessionState()
	if err != nil {
		return nil, pre, fmt.Errorf("read session state: %w", err)
	}

	attempt, err := cloneRequest(base)
	if err != nil {
		return nil, pre, err
	}
	attempt = attempt.WithContext(context.WithValue(attempt.Context(), interceptedKey{}, c))

	if err := c.attachCredentials(attempt, pre, custom); err != nil {
		closeRequestBody(attempt)
		return nil, pre, err
	}
	custom.apply(attempt)

	resp, err := send(attempt)
	return resp, pre, err
}

func (c *Client) attachCredentials(
	req *http.Request,
	pre LocalSessionState,
	custom *Customization,
) error {
	if pre.Exists() {
		token, ok, err := c.antiCSRFToken(pre.LastAccessTokenUpdate)
		if err != nil {
			return fmt.Errorf("read anti-csrf token: %w", err)
		}
		if ok {
			req.Header.Set(headerAntiCSRF, token)
		}
	}

	if req.Header.Get(headerRID) == "" {
		req.Header.Set(headerRID, ridAntiCSRF)
	}
	req.Header.Set(headerAuthMode, string(c.cfg.mode))

	if c.cfg.mode == TransferHeader {
		preserve := preservedAuthorization(req.Context()) ||
			(custom != nil && custom.PreserveAuthorization)
		if err := c.attachAuthorization(req, preserve); err != nil {
			return err
		}
	}

	c.attachJarCookies(req)
	return nil
}

// attachAuthorization sets the bearer access token. A caller's own
// Authorization header wins when it differs from the managed token, unless
// it is a token this client already rotated away.
func (c *Client) attachAuthorization(req *http.Request, preserve bool) error {
	access, ok, err := c.tokens.get(keyAccessToken)
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}

	callerValue := req.Header.Get(headerAuthorization)
	if callerValue != "" {
		if preserve {
			return nil
		}
		matches := ok && callerValue == bearer(access)
		stale := strings.HasPrefix(callerValue, "Bearer ") &&
			c.isRetiredAccessToken(strings.TrimPrefix(callerValue, "Bearer "))
		if !matches && !stale {
			return nil
		}
		req.Header.Del(headerAuthorization)
	}

	if ok {
		req.Header.Set(headerAuthorization, bearer(access))
	}
	return nil
}

func (c *Client) shouldIntercept(u *url.URL) (bool, error) {
	ok, err := scope.ShouldIntercept(u.String(), c.cfg.apiDomain, c.cfg.sessionScope)
	if err != nil {
		return false, &ConfigError{Err: err}
	}
	return ok, nil
}

func (c *Client) isRefreshURL(u *url.URL) bool {
	target, err := scope.NormaliseDomain(u.Scheme + "://" + u.Host)
	if err != nil || target != c.cfg.apiDomain {
		return false
	}
	path, err := scope.NormalisePath(u.Path)
	return err == nil && path == c.cfg.refreshURL.Path
}

// syncJar and attachJarCookies keep cookie transfer mode working across
// retries: a retried request needs the cookies the refresh just set.
func (c *Client) syncJar(resp *http.Response) {
	jar := c.cfg.httpClient.Jar
	if jar == nil || resp.Request == nil {
		return
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		jar.SetCookies(resp.Request.URL, cookies)
	}
}

func (c *Client) attachJarCookies(req *http.Request) {
	jar := c.cfg.httpClient.Jar
	if jar == nil || c.cfg.mode != TransferCookie {
		return
	}
	fromJar := jar.Cookies(req.URL)
	if len(fromJar) == 0 {
		return
	}

	names := make(map[string]bool, len(fromJar))
	for _, ck := range fromJar {
		names[ck.Name] = true
	}
	existing := req.Cookies()
	req.Header.Del("Cookie")
	for _, ck := range existing {
		if !names[ck.Name] {
			req.AddCookie(ck)
		}
	}
	for _, ck := range fromJar {
		req.AddCookie(ck)
	}
}

// replayable returns a copy of req whose body can be produced again for
// each attempt. A body without GetBody is buffered once.
func replayable(req *http.Request) (*http.Request, error) {
	base := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return base, nil
	}
	if req.GetBody != nil {
		// every attempt reads a fresh copy from GetBody
		req.Body.Close()
		return base, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	base.Body = io.NopCloser(bytes.NewReader(data))
	base.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	base.ContentLength = int64(len(data))
	return base, nil
}

func cloneRequest(base *http.Request) (*http.Request, error) {
	attempt := base.Clone(base.Context())
	if base.GetBody != nil && base.Body != nil && base.Body != http.NoBody {
		body, err := base.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		attempt.Body = body
	}
	return attempt, nil
}

func bufferBody(resp *http.Response) error {
	if resp.Body == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return nil
}

func closeRequestBody(req *http.Request) {
	if req != nil && req.Body != nil {
		req.Body.Close()
	}
}
