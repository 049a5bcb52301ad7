// Package testharness starts a session-testserver process for tests that
// want a backend outside the test binary.
package testharness

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

const binaryName = "session-testserver"

// Config holds configuration for starting the test harness.
type Config struct {
	Users           []User
	ListenAddr      string
	BasePath        string
	Issuer          string
	AccessTokenTTL  time.Duration
	DisableAntiCSRF bool
	BinaryPath      string
	Quiet           bool
}

// User holds test user credentials.
type User struct {
	Handle   string
	Password string
	UserID   string
}

// Harness represents a running session-testserver instance.
type Harness struct {
	BaseURL            string
	APIBasePath        string
	Issuer             string
	AccessTokenTTL     time.Duration
	VerificationKeyDER []byte
	Users              []User

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// outputContract matches the JSON structure from session-testserver
type outputContract struct {
	BaseURL        string       `json:"base_url"`
	APIBasePath    string       `json:"api_base_path"`
	Issuer         string       `json:"issuer"`
	AccessTokenTTL string       `json:"access_token_ttl"`
	Users          []outputUser `json:"users"`
	Keys           outputKeys   `json:"keys"`
}

type outputUser struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	UserID   string `json:"user_id"`
}

type outputKeys struct {
	VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
}

// Available reports whether a session-testserver binary can be found.
func Available(cfg Config) bool {
	return findBinary(cfg.BinaryPath) != ""
}

// Start spawns a session-testserver and returns a handle to it.
// It registers cleanup with t.Cleanup().
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	binaryPath := findBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Fatal("session-testserver binary not found (check PATH or set Config.BinaryPath or SESSION_TESTSERVER_BIN)")
	}

	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, binaryPath, buildArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start session-testserver: %v", err)
	}

	// first line of stdout is the JSON contract
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cancel()
		cmd.Wait()
		t.Fatal("failed to read JSON contract from session-testserver")
	}

	harness, err := parseContract(scanner.Bytes())
	if err != nil {
		cancel()
		cmd.Wait()
		t.Fatalf("failed to parse JSON contract: %v", err)
	}
	harness.cmd = cmd
	harness.cancel = cancel

	if !cfg.Quiet {
		go func() {
			stderrScanner := bufio.NewScanner(stderr)
			for stderrScanner.Scan() {
				t.Logf("[session-testserver] %s", stderrScanner.Text())
			}
		}()
	}

	t.Cleanup(func() {
		if err := harness.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})

	return harness
}

func parseContract(line []byte) (*Harness, error) {
	var contract outputContract
	if err := json.Unmarshal(line, &contract); err != nil {
		return nil, err
	}

	der, err := base64.StdEncoding.DecodeString(contract.Keys.VerificationKeyDERBase64)
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}

	ttl, err := time.ParseDuration(contract.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parse access token ttl: %w", err)
	}

	h := &Harness{
		BaseURL:            contract.BaseURL,
		APIBasePath:        contract.APIBasePath,
		Issuer:             contract.Issuer,
		AccessTokenTTL:     ttl,
		VerificationKeyDER: der,
		Users:              make([]User, len(contract.Users)),
	}
	for i, u := range contract.Users {
		h.Users[i] = User{Handle: u.Handle, Password: u.Password, UserID: u.UserID}
	}
	return h, nil
}

// VerificationKey parses the backend's access token verification key.
func (h *Harness) VerificationKey() (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(h.VerificationKeyDER)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verification key is %T, not ECDSA", pub)
	}
	return key, nil
}

// Close terminates the session-testserver process.
func (h *Harness) Close() error {
	if h.cancel != nil {
		h.cancel()
	}

	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		// killed by context cancellation
		if h.cmd.ProcessState != nil && !h.cmd.ProcessState.Success() {
			return nil
		}
		return err
	case <-time.After(5 * time.Second):
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill: %w", err)
		}
		return fmt.Errorf("timeout waiting for shutdown, process killed")
	}
}

func findBinary(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	if envPath := os.Getenv("SESSION_TESTSERVER_BIN"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if pathBinary, err := exec.LookPath(binaryName); err == nil {
		return pathBinary
	}

	return ""
}

func buildArgs(cfg Config) []string {
	var args []string

	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}
	if cfg.BasePath != "" {
		args = append(args, "--base-path", cfg.BasePath)
	}
	if cfg.Issuer != "" {
		args = append(args, "--issuer", cfg.Issuer)
	}
	if cfg.AccessTokenTTL > 0 {
		args = append(args, "--access-ttl", cfg.AccessTokenTTL.String())
	}
	if cfg.DisableAntiCSRF {
		args = append(args, "--disable-anti-csrf")
	}
	if cfg.Quiet {
		args = append(args, "--quiet")
	}
	for _, user := range cfg.Users {
		args = append(args, "--user", fmt.Sprintf("%s:%s", user.Handle, user.Password))
	}

	return args
}
