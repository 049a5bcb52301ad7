package session

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

const testAPIDomain = "https://api.example.com"

var testNow = time.Unix(1_700_000_000, 0)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func newResponse(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// sessionHeaders is a credential set for generation gen, with a constant
// access token payload.
func sessionHeaders(t *testing.T, gen int) http.Header {
	t.Helper()
	front, err := fronttoken.Encode("user-1", testNow.Add(time.Hour), map[string]any{"role": "user"})
	require.NoError(t, err)

	n := strconv.Itoa(gen)
	h := http.Header{}
	h.Set(headerAccessToken, "access-"+n)
	h.Set(headerRefreshToken, "refresh-"+n)
	h.Set(headerFrontToken, front)
	h.Set(headerAntiCSRF, "csrf-"+n)
	return h
}

func unitClient(
	t *testing.T,
	send RoundTripFunc,
	mods ...func(*Config),
) (*Client, *storage.Memory, *eventLog) {
	t.Helper()
	if send == nil {
		send = func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("unexpected request to " + r.URL.String())
		}
	}

	store := storage.NewMemory()
	events := &eventLog{}
	cfg := Config{
		APIDomain:    testAPIDomain,
		EventHandler: events.handle,
		HTTPClient:   &http.Client{Transport: send},
		Now:          func() time.Time { return testNow },
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	c, err := New(store, cfg)
	require.NoError(t, err)
	return c, store, events
}

// seed stores a credential set as if a sign in response carried it.
func seed(t *testing.T, c *Client, gen int) LocalSessionState {
	t.Helper()
	require.NoError(t, c.saveTokensFromHeaders(sessionHeaders(t, gen)))
	state, err := c.localSessionState()
	require.NoError(t, err)
	require.True(t, state.Exists())
	return state
}

// countingStorage counts writes and removals reaching the wrapped storage.
type countingStorage struct {
	storage.Storage
	mu      sync.Mutex
	puts    int
	removes int
	failPut error
}

func (s *countingStorage) PutString(key string, value string) error {
	s.mu.Lock()
	s.puts++
	fail := s.failPut
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Storage.PutString(key, value)
}

func (s *countingStorage) Remove(key string) error {
	s.mu.Lock()
	s.removes++
	s.mu.Unlock()
	return s.Storage.Remove(key)
}

func (s *countingStorage) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.removes
}
