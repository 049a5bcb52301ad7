package session_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.sr.ht/~jakintosh/tokensession/internal/testutil"
	"git.sr.ht/~jakintosh/tokensession/pkg/session"
	"git.sr.ht/~jakintosh/tokensession/pkg/sessiontest"
	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

const accessTTL = time.Minute

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) handle(e session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func (r *recorder) count(e session.Event) int {
	n := 0
	for _, got := range r.all() {
		if got == e {
			n++
		}
	}
	return n
}

type env struct {
	backend *sessiontest.Backend
	server  *httptest.Server
	clock   *sessiontest.Clock
	store   *storage.Memory
	events  *recorder
	client  *session.Client
	http    *http.Client
}

type echoed struct {
	Authorization string `json:"authorization"`
	AntiCSRF      string `json:"antiCsrf"`
	RID           string `json:"rid"`
	AuthMode      string `json:"authMode"`
	Body          string `json:"body"`
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(echoed{
		Authorization: r.Header.Get("Authorization"),
		AntiCSRF:      r.Header.Get("anti-csrf"),
		RID:           r.Header.Get("rid"),
		AuthMode:      r.Header.Get("st-auth-mode"),
		Body:          string(body),
	})
}

func newEnv(t *testing.T, mods ...func(*session.Config)) *env {
	t.Helper()

	clock := sessiontest.NewClock(time.Unix(1_700_000_000, 0))
	backend, err := sessiontest.New(sessiontest.Options{
		AccessTokenTTL: accessTTL,
		SigningKey:     testutil.SharedSigningKey(),
		Now:            clock.Now,
		Logger:         testutil.Logger(t),
	})
	require.NoError(t, err)
	_, err = backend.AddUser("alice", "password")
	require.NoError(t, err)

	backend.Handle("/api/echo", http.HandlerFunc(echoHandler))
	backend.Handle("/api/echo-protected", backend.Protect(http.HandlerFunc(echoHandler)))

	server := testutil.NewServer(t, backend)

	e := &env{
		backend: backend,
		server:  server,
		clock:   clock,
		store:   storage.NewMemory(),
		events:  &recorder{},
	}

	cfg := session.Config{
		APIDomain:    server.URL,
		EventHandler: e.events.handle,
		Logger:       testutil.Logger(t),
		Now:          clock.Now,
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	e.client, err = session.New(e.store, cfg)
	require.NoError(t, err)

	e.http = &http.Client{Transport: e.client.Transport(nil)}
	if cfg.HTTPClient != nil && cfg.HTTPClient.Jar != nil {
		e.http.Jar = cfg.HTTPClient.Jar
	}
	return e
}

func (e *env) url(path string) string {
	return e.server.URL + path
}

func (e *env) signIn(t *testing.T) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.url("/auth/signin"),
		strings.NewReader(`{"handle":"alice","password":"password"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	state, err := e.client.LocalSessionState()
	require.NoError(t, err)
	require.True(t, state.Exists())
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.http.Get(e.url(path))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEcho(t *testing.T, resp *http.Response) echoed {
	t.Helper()
	var got echoed
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	return got
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
