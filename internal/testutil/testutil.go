// Package testutil provides helpers shared by package tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var (
	sharedSigningKey     *ecdsa.PrivateKey
	sharedSigningKeyOnce sync.Once
)

// SharedSigningKey returns a cached ECDSA P-256 key for tests.
// This avoids the overhead of generating a new key for each test.
func SharedSigningKey() *ecdsa.PrivateKey {
	sharedSigningKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to generate shared signing key: " + err.Error())
		}
		sharedSigningKey = key
	})
	return sharedSigningKey
}

// NewServer starts an httptest server for h and closes it when the test
// ends.
func NewServer(
	t *testing.T,
	h http.Handler,
) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// Logger writes zerolog output to the test log.
func Logger(t *testing.T) *zerolog.Logger {
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return &logger
}
