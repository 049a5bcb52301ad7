// Command session-client signs in to a session backend, keeps the session
// in local storage between runs and makes authenticated requests with it.
//
//	session-client [flags] signin <handle> <password>
//	session-client [flags] get <path>
//	session-client [flags] status
//	session-client [flags] signout
//	session-client [flags] watch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"git.sr.ht/~jakintosh/tokensession/internal/config"
	"git.sr.ht/~jakintosh/tokensession/internal/scope"
	"git.sr.ht/~jakintosh/tokensession/pkg/session"
	"git.sr.ht/~jakintosh/tokensession/pkg/storage"
)

const defaultStore = "file:.tokensession/session.json"

type options struct {
	configPath string
	apiDomain  string
	store      string
	cookies    bool
	verbose    bool
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	opts := options{}
	fs := flag.NewFlagSet("session-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.String("SESSION_CLIENT_CONFIG", ""), "YAML session config file")
	fs.StringVar(&opts.apiDomain, "api-domain", config.String("SESSION_CLIENT_API_DOMAIN", ""), "Backend origin; overrides the config file")
	fs.StringVar(&opts.store, "store", config.String("SESSION_CLIENT_STORE", defaultStore), "Token storage: file:<path>, sqlite:<path> or redis:<addr>")
	fs.BoolVar(&opts.cookies, "cookies", false, "Use cookie token transfer")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log debug output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing command: signin, get, status, signout or watch")
	}

	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).Level(level).With().Timestamp().Logger()

	store, closeStore, err := openStore(opts.store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Logger = &log
	cfg.EventHandler = func(e session.Event) {
		log.Info().Str("event", string(e)).Msg("session event")
	}

	client, err := session.New(store, *cfg)
	if err != nil {
		return err
	}
	hc := &http.Client{Transport: client.Transport(nil), Jar: cfg.HTTPClient.Jar}
	apiBase, authBase, err := endpoints(cfg)
	if err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "signin":
		if len(rest) != 2 {
			return errors.New("usage: signin <handle> <password>")
		}
		return signIn(ctx, client, authBase, rest[0], rest[1], stdout)
	case "get":
		if len(rest) != 1 {
			return errors.New("usage: get <path>")
		}
		return get(ctx, hc, apiBase+rest[0], stdout)
	case "status":
		return status(ctx, client, stdout)
	case "signout":
		if err := client.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "signed out")
		return nil
	case "watch":
		file, ok := store.(*storage.File)
		if !ok {
			return errors.New("watch needs a file: store")
		}
		return watch(ctx, client, file, &log, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(opts options) (*session.Config, error) {
	cfg := &session.Config{}
	if opts.configPath != "" {
		var err error
		cfg, err = session.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
	}
	if opts.apiDomain != "" {
		cfg.APIDomain = opts.apiDomain
	}
	if cfg.APIDomain == "" {
		return nil, errors.New("no api domain: pass --api-domain or --config")
	}
	if opts.cookies {
		cfg.TokenTransferMethod = session.TransferCookie
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	cfg.HTTPClient = &http.Client{Jar: jar}
	return cfg, nil
}

// endpoints returns the API origin and the session endpoint base, normalised
// the same way the session client normalises them.
func endpoints(cfg *session.Config) (string, string, error) {
	apiBase, err := scope.NormaliseDomain(cfg.APIDomain)
	if err != nil {
		return "", "", err
	}
	path := cfg.APIBasePath
	if path == "" {
		path = session.DefaultAPIBasePath
	}
	path, err = scope.NormalisePath(path)
	if err != nil {
		return "", "", err
	}
	return apiBase, apiBase + path, nil
}

// openStore parses "kind:location".
func openStore(uri string) (storage.Storage, func() error, error) {
	kind, location, ok := strings.Cut(uri, ":")
	if !ok || location == "" {
		return nil, nil, fmt.Errorf("invalid store %q: want kind:location", uri)
	}

	noop := func() error { return nil }
	switch kind {
	case "file":
		f, err := storage.NewFile(location)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	case "sqlite":
		db, err := storage.NewSQLite(location)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: location})
		return storage.NewRedis(rdb, storage.WithPrefix("tokensession:")), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func signIn(
	ctx context.Context,
	client *session.Client,
	authBase string,
	handle string,
	password string,
	stdout io.Writer,
) error {
	body, err := json.Marshal(map[string]string{"handle": handle, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authBase+"/signin", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sign in failed: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	userID, err := client.GetUserID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "signed in as %s\n", userID)
	return nil
}

func get(ctx context.Context, hc *http.Client, url string, stdout io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(stdout, "%d\n", resp.StatusCode)
	_, err = io.Copy(stdout, resp.Body)
	return err
}

func status(ctx context.Context, client *session.Client, stdout io.Writer) error {
	exists, err := client.DoesSessionExist(ctx)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Fprintln(stdout, session.StatusNotExists)
		return nil
	}

	userID, err := client.GetUserID(ctx)
	if err != nil {
		return err
	}
	payload, err := client.GetAccessTokenPayloadSecurely(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s user=%s payload=%s\n", session.StatusExists, userID, encoded)
	return nil
}

// watch prints the local session state whenever another process rewrites
// the token file.
func watch(
	ctx context.Context,
	client *session.Client,
	file *storage.File,
	log *zerolog.Logger,
	stdout io.Writer,
) error {
	changes := make(chan struct{}, 1)
	w, err := file.Watch(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}, storage.WatchOptions{Logger: log})
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			client.Invalidate()
			state, err := client.LocalSessionState()
			if err != nil {
				log.Warn().Err(err).Msg("failed to read session state")
				continue
			}
			fmt.Fprintf(stdout, "session %s\n", state.Status)
		}
	}
}
