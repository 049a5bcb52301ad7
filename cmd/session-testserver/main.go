// Command session-testserver runs a sessiontest backend on a local port
// and prints a JSON contract describing it on the first line of stdout.
package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"git.sr.ht/~jakintosh/tokensession/internal/config"
	"git.sr.ht/~jakintosh/tokensession/pkg/sessiontest"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr      string
	Issuer          string
	BasePath        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	DisableAntiCSRF bool
	Users           []UserCredentials
	Quiet           bool
}

type UserCredentials struct {
	Handle   string
	Password string
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL        string       `json:"base_url"`
	APIBasePath    string       `json:"api_base_path"`
	Issuer         string       `json:"issuer"`
	AccessTokenTTL string       `json:"access_token_ttl"`
	Users          []OutputUser `json:"users"`
	Keys           OutputKeys   `json:"keys"`
}

type OutputUser struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	UserID   string `json:"user_id"`
}

type OutputKeys struct {
	VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("user must be in format 'handle:password'")
	}
	*u = append(*u, UserCredentials{Handle: parts[0], Password: parts[1]})
	return nil
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if cfg.Quiet {
		log = zerolog.Nop()
	}

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "session-testserver: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config, log zerolog.Logger) error {
	backend, err := sessiontest.New(sessiontest.Options{
		BasePath:        cfg.BasePath,
		Issuer:          cfg.Issuer,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		DisableAntiCSRF: cfg.DisableAntiCSRF,
		Logger:          &log,
	})
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	users := make([]OutputUser, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		id, err := backend.AddUser(u.Handle, u.Password)
		if err != nil {
			return fmt.Errorf("add user %s: %w", u.Handle, err)
		}
		users = append(users, OutputUser{Handle: u.Handle, Password: u.Password, UserID: id})
	}

	verificationKeyDER, err := x509.MarshalPKIXPublicKey(backend.VerificationKey())
	if err != nil {
		return fmt.Errorf("marshal verification key: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	contract := OutputContract{
		BaseURL:        fmt.Sprintf("http://%s:%d", addr.IP, addr.Port),
		APIBasePath:    backend.BasePath(),
		Issuer:         cfg.Issuer,
		AccessTokenTTL: cfg.AccessTokenTTL.String(),
		Users:          users,
		Keys: OutputKeys{
			VerificationKeyDERBase64: base64.StdEncoding.EncodeToString(verificationKeyDER),
		},
	}
	if err := json.NewEncoder(os.Stdout).Encode(contract); err != nil {
		return fmt.Errorf("encode JSON contract: %w", err)
	}

	server := &http.Server{Handler: backend}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(listener)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// parseFlags reads flags, with defaults taken from SESSION_TESTSERVER_*
// environment variables.
func parseFlags(args []string) (Config, error) {
	var cfg Config
	var users UserFlag

	accessTTL, err := config.Duration("SESSION_TESTSERVER_ACCESS_TTL", sessiontest.DefaultAccessTokenTTL)
	if err != nil {
		return cfg, err
	}
	refreshTTL, err := config.Duration("SESSION_TESTSERVER_REFRESH_TTL", sessiontest.DefaultRefreshTokenTTL)
	if err != nil {
		return cfg, err
	}
	quiet, err := config.Bool("SESSION_TESTSERVER_QUIET", false)
	if err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("session-testserver", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", config.String("SESSION_TESTSERVER_LISTEN", "127.0.0.1:0"), "Listen address (default uses ephemeral port)")
	fs.StringVar(&cfg.Issuer, "issuer", sessiontest.DefaultIssuer, "Issuer for access tokens")
	fs.StringVar(&cfg.BasePath, "base-path", sessiontest.DefaultBasePath, "Base path of the session endpoints")
	fs.DurationVar(&cfg.AccessTokenTTL, "access-ttl", accessTTL, "Access token lifetime")
	fs.DurationVar(&cfg.RefreshTokenTTL, "refresh-ttl", refreshTTL, "Refresh token lifetime")
	fs.BoolVar(&cfg.DisableAntiCSRF, "disable-anti-csrf", false, "Do not issue or check anti-csrf tokens")
	fs.Var(&users, "user", "User credentials in format 'handle:password' (repeatable)")
	fs.BoolVar(&cfg.Quiet, "quiet", quiet, "Suppress log output")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(users) == 0 {
		cfg.Users = []UserCredentials{{Handle: "test", Password: "test"}}
	} else {
		cfg.Users = users
	}
	return cfg, nil
}
