package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~jakintosh/tokensession/internal/testutil"
	"git.sr.ht/~jakintosh/tokensession/pkg/session"
	"git.sr.ht/~jakintosh/tokensession/pkg/sessiontest"
	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startBackend(t *testing.T) (*sessiontest.Backend, string) {
	t.Helper()
	backend, err := sessiontest.New(sessiontest.Options{
		SigningKey: testutil.SharedSigningKey(),
		Logger:     testutil.Logger(t),
	})
	require.NoError(t, err)
	_, err = backend.AddUser("alice", "password")
	require.NoError(t, err)
	return backend, testutil.NewServer(t, backend).URL
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestSignInPersistsAcrossRuns(t *testing.T) {
	stores := map[string]string{
		"sqlite": "sqlite:" + filepath.Join(t.TempDir(), "session.db"),
		"file":   "file:" + filepath.Join(t.TempDir(), "session.json"),
		"redis":  "redis:" + miniredis.RunT(t).Addr(),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, url := startBackend(t)
			flags := []string{"--api-domain", url, "--store", store}

			out, err := runCmd(t, append(flags, "signin", "alice", "password")...)
			require.NoError(t, err)
			require.Contains(t, out, "signed in as ")

			out, err = runCmd(t, append(flags, "status")...)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "EXISTS user="), out)

			out, err = runCmd(t, append(flags, "get", "/api/user")...)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(out, "200\n"), out)
			require.Contains(t, out, `"userId"`)

			out, err = runCmd(t, append(flags, "signout")...)
			require.NoError(t, err)
			require.Equal(t, "signed out\n", out)

			out, err = runCmd(t, append(flags, "status")...)
			require.NoError(t, err)
			require.Equal(t, "NOT_EXISTS\n", out)
		})
	}
}

func TestConfigFile(t *testing.T) {
	_, url := startBackend(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_domain: "+url+"\ntoken_transfer_method: cookie\n"), 0o600))
	store := "sqlite:" + filepath.Join(dir, "session.db")

	out, err := runCmd(t, "--config", path, "--store", store, "signin", "alice", "password")
	require.NoError(t, err)
	require.Contains(t, out, "signed in as ")

	// cookies live in the in-memory jar of one run; the front-token persists
	out, err = runCmd(t, "--config", path, "--store", store, "status")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "EXISTS"), out)
}

func TestWrongPassword(t *testing.T) {
	_, url := startBackend(t)
	store := "file:" + filepath.Join(t.TempDir(), "session.json")

	_, err := runCmd(t, "--api-domain", url, "--store", store, "signin", "alice", "wrong")
	require.ErrorContains(t, err, "sign in failed: 401")
}

func TestUsageErrors(t *testing.T) {
	store := "file:" + filepath.Join(t.TempDir(), "session.json")
	for _, args := range [][]string{
		{"--store", store},
		{"--store", store, "--api-domain", "api.example.com", "bogus"},
		{"--store", store, "--api-domain", "api.example.com", "get"},
		{"--store", store, "status"},
		{"--store", "nope", "--api-domain", "api.example.com", "status"},
		{"--store", "sqlite:" + filepath.Join(t.TempDir(), "s.db"), "--api-domain", "api.example.com", "watch"},
	} {
		_, err := runCmd(t, args...)
		require.Error(t, err, args)
	}
}

func TestWatch(t *testing.T) {
	_, url := startBackend(t)
	path := filepath.Join(t.TempDir(), "session.json")
	flags := []string{"--api-domain", url, "--store", "file:" + path}

	// the watched directory must exist before the watch starts
	_, err := storage.NewFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, append(flags, "watch"), out, &bytes.Buffer{})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	_, err = runCmd(t, append(flags, "signin", "alice", "password")...)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "session EXISTS")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSchemelessDomainAndBasePath(t *testing.T) {
	_, url := startBackend(t)
	dir := t.TempDir()
	store := "file:" + filepath.Join(dir, "session.json")

	// an IP host gets http, like the session client does
	hostPort := strings.TrimPrefix(url, "http://")
	out, err := runCmd(t, "--api-domain", hostPort, "--store", store, "signin", "alice", "password")
	require.NoError(t, err)
	require.Contains(t, out, "signed in as ")

	out, err = runCmd(t, "--api-domain", hostPort+"/", "--store", store, "get", "/api/user")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "200\n"), out)

	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_domain: "+hostPort+"\napi_base_path: auth/\n"), 0o600))
	out, err = runCmd(t, "--config", path, "--store", store, "signin", "alice", "password")
	require.NoError(t, err)
	require.Contains(t, out, "signed in as ")
}

func TestEndpoints(t *testing.T) {
	cases := []struct {
		domain, base, api, auth string
	}{
		{"api.example.com", "", "https://api.example.com", "https://api.example.com/auth"},
		{"https://api.example.com/", "/", "https://api.example.com", "https://api.example.com"},
		{"localhost:3000", "/custom/", "http://localhost:3000", "http://localhost:3000/custom"},
	}
	for _, tc := range cases {
		api, auth, err := endpoints(&session.Config{APIDomain: tc.domain, APIBasePath: tc.base})
		require.NoError(t, err, tc.domain)
		require.Equal(t, tc.api, api)
		require.Equal(t, tc.auth, auth)
	}
}
