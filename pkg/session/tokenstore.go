package session

import (
	"sync"

	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

type tokenKey string

const (
	keyAccessToken           tokenKey = "tokensession.access-token"
	keyRefreshToken          tokenKey = "tokensession.refresh-token"
	keyAntiCSRF              tokenKey = "tokensession.anti-csrf"
	keyFrontToken            tokenKey = "tokensession.front-token"
	keyLastAccessTokenUpdate tokenKey = "tokensession.last-access-token-update"
)

var allKeys = []tokenKey{
	keyAccessToken,
	keyRefreshToken,
	keyAntiCSRF,
	keyFrontToken,
	keyLastAccessTokenUpdate,
}

type cachedValue struct {
	value string
	ok    bool
}

// tokenStore caches storage reads in memory. Entries are filled on first
// read and replaced on every write, after the write reaches storage.
type tokenStore struct {
	mu      sync.Mutex
	storage storage.Storage
	cache   map[tokenKey]cachedValue
}

func newTokenStore(s storage.Storage) *tokenStore {
	return &tokenStore{
		storage: s,
		cache:   make(map[tokenKey]cachedValue),
	}
}

func (s *tokenStore) get(key tokenKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache[key]; ok {
		return v.value, v.ok, nil
	}
	return s.loadLocked(key)
}

// load re-reads key from storage, ignoring the cache.
func (s *tokenStore) load(key tokenKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *tokenStore) loadLocked(key tokenKey) (string, bool, error) {
	value, ok, err := s.storage.GetString(string(key))
	if err != nil {
		return "", false, err
	}
	s.cache[key] = cachedValue{value: value, ok: ok}
	return value, ok, nil
}

func (s *tokenStore) set(key tokenKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.PutString(string(key), value); err != nil {
		delete(s.cache, key)
		return err
	}
	s.cache[key] = cachedValue{value: value, ok: true}
	return nil
}

func (s *tokenStore) remove(key tokenKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Remove(string(key)); err != nil {
		delete(s.cache, key)
		return err
	}
	s.cache[key] = cachedValue{}
	return nil
}

// invalidate drops every cached entry so the next read goes to storage.
func (s *tokenStore) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}
