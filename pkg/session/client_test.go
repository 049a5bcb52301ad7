package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"git.sr.ht/~jakintosh/tokensession/pkg/session"
)

func TestRefreshAfterAccessTokenExpiry(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	ctx := context.Background()

	before, err := e.client.GetAccessToken(ctx)
	require.NoError(t, err)

	e.clock.Advance(2 * accessTTL)

	resp := e.get(t, "/api/user")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), e.backend.RefreshCalls())

	after, err := e.client.GetAccessToken(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	require.Equal(t, []session.Event{
		session.EventSessionCreated,
		session.EventRefreshSession,
	}, e.events.all())
}

func TestParallelRequestsShareOneRefresh(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	e.clock.Advance(2 * accessTTL)

	const n = 100
	statuses := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.http.Get(e.url("/api/user"))
			if err != nil {
				errs[i] = err
				return
			}
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "request %d", i)
		require.Equal(t, http.StatusOK, statuses[i], "request %d", i)
	}
	require.Equal(t, int64(1), e.backend.RefreshCalls())
	require.Equal(t, 1, e.events.count(session.EventRefreshSession))
}

func TestSignOutClearsSession(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	ctx := context.Background()

	require.NoError(t, e.client.SignOut(ctx))
	require.Equal(t, 0, e.backend.ActiveSessions())
	require.Contains(t, e.events.all(), session.EventSignOut)

	exists, err := e.client.DoesSessionExist(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	got := decodeEcho(t, e.get(t, "/api/echo"))
	require.Empty(t, got.Authorization)
	require.Empty(t, got.AntiCSRF)
	require.Equal(t, "anti-csrf", got.RID)

	_, err = e.client.GetUserID(ctx)
	require.ErrorIs(t, err, session.ErrNoSession)
}

func TestSignOutWithoutSession(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.client.SignOut(context.Background()))
	require.Equal(t, []session.Event{session.EventSignOut}, e.events.all())
}

func TestSignOutWithExpiredAccessToken(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	e.clock.Advance(2 * accessTTL)

	require.NoError(t, e.client.SignOut(context.Background()))
	require.Equal(t, int64(1), e.backend.RefreshCalls())
	require.Equal(t, 0, e.backend.ActiveSessions())
}

func TestDoesSessionExist(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	exists, err := e.client.DoesSessionExist(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	e.signIn(t)
	exists, err = e.client.DoesSessionExist(ctx)
	require.NoError(t, err)
	require.True(t, exists)
	require.Zero(t, e.backend.RefreshCalls())

	// an expired access token is refreshed before answering
	e.clock.Advance(2 * accessTTL)
	exists, err = e.client.DoesSessionExist(ctx)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, int64(1), e.backend.RefreshCalls())

	// a revoked session cannot be refreshed
	e.backend.RevokeSessions()
	e.clock.Advance(2 * accessTTL)
	exists, err = e.client.DoesSessionExist(ctx)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, session.EventUnauthorised, e.events.all()[len(e.events.all())-1])
}

func TestAttemptRefreshingSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ok, err := e.client.AttemptRefreshingSession(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []session.Event{session.EventUnauthorised}, e.events.all())
	require.Zero(t, e.backend.RefreshCalls())

	e.signIn(t)
	ok, err = e.client.AttemptRefreshingSession(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), e.backend.RefreshCalls())
}

func TestGetUserIDAndPayload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.signIn(t)

	var me map[string]string
	resp := e.get(t, "/api/user")
	require.NoError(t, jsonDecode(resp, &me))

	id, err := e.client.GetUserID(ctx)
	require.NoError(t, err)
	require.Equal(t, me["userId"], id)

	require.NoError(t, e.backend.SetAccessTokenPayload("alice", map[string]any{"role": "admin"}))
	payload, err := e.client.GetAccessTokenPayloadSecurely(ctx)
	require.NoError(t, err)
	require.Empty(t, payload, "payload changes only arrive with a refresh")

	e.clock.Advance(2 * accessTTL)
	payload, err = e.client.GetAccessTokenPayloadSecurely(ctx)
	require.NoError(t, err)
	require.Equal(t, "admin", payload["role"])
	require.Equal(t, 1, e.events.count(session.EventAccessTokenPayloadUpdated))
}

func TestDoubleUnauthorisedOnRemovedSession(t *testing.T) {
	e := newEnv(t)
	e.backend.Handle("/api/gone", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("front-token", "remove")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	e.signIn(t)

	resp := e.get(t, "/api/gone")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, e.backend.RefreshCalls())

	// once from the response, once from the refresh attempt finding no session
	require.Equal(t, []session.Event{
		session.EventSessionCreated,
		session.EventUnauthorised,
		session.EventUnauthorised,
	}, e.events.all())

	state, err := e.client.LocalSessionState()
	require.NoError(t, err)
	require.False(t, state.Exists())
}

func TestRevokedSessionReturnsOriginalResponse(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	e.backend.RevokeSessions()

	resp := e.get(t, "/api/user")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, int64(0), e.backend.RefreshCalls(),
		"the protected route already removed the session")

	exists, err := e.client.DoesSessionExist(context.Background())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCookieTransfer(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	e := newEnv(t, func(cfg *session.Config) {
		cfg.TokenTransferMethod = session.TransferCookie
		cfg.HTTPClient = &http.Client{Jar: jar}
	})
	e.signIn(t)

	u, err := url.Parse(e.server.URL)
	require.NoError(t, err)
	require.NotEmpty(t, jar.Cookies(u))

	got := decodeEcho(t, e.get(t, "/api/echo-protected"))
	require.Empty(t, got.Authorization)
	require.Equal(t, "cookie", got.AuthMode)
	require.NotEmpty(t, got.AntiCSRF)

	e.clock.Advance(2 * accessTTL)
	resp := e.get(t, "/api/user")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), e.backend.RefreshCalls())

	_, err = e.client.GetAccessToken(context.Background())
	require.ErrorIs(t, err, session.ErrNoSession, "cookie mode keeps no access token")
}

func TestResetForTesting(t *testing.T) {
	e := newEnv(t)
	e.signIn(t)
	e.client.ResetForTesting()

	_, err := e.http.Get(e.url("/api/user"))
	require.ErrorIs(t, err, session.ErrNotInitialized)

	_, err = e.client.DoesSessionExist(context.Background())
	require.ErrorIs(t, err, session.ErrNotInitialized)
}

func TestNilClient(t *testing.T) {
	var c *session.Client
	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	require.NoError(t, err)

	_, err = c.Do(req, nil)
	require.True(t, errors.Is(err, session.ErrNotInitialized))

	_, err = c.Transport(nil).RoundTrip(req)
	require.ErrorIs(t, err, session.ErrNotInitialized)
}
