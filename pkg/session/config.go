package session

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"gopkg.in/yaml.v3"

	"git.sr.ht/~jakintosh/tokensession/internal/scope"
)

const (
	DefaultAPIBasePath                       = "/auth"
	DefaultSessionExpiredStatusCode          = http.StatusUnauthorized
	DefaultMaxRetryAttemptsForSessionRefresh = 10
)

type TokenTransferMethod string

const (
	TransferHeader TokenTransferMethod = "header"
	TransferCookie TokenTransferMethod = "cookie"
)

// RequestPurpose tells a CustomHeaderProvider which SDK-issued request it is
// decorating.
type RequestPurpose string

const (
	PurposeRefresh RequestPurpose = "REFRESH"
	PurposeSignOut RequestPurpose = "SIGN_OUT"
)

// CustomHeaderProvider returns extra headers for requests the client issues
// on its own behalf.
type CustomHeaderProvider func(purpose RequestPurpose) map[string]string

type Config struct {
	// APIDomain is the backend origin, e.g. "https://api.example.com".
	// Requests to it are always intercepted.
	APIDomain string `yaml:"api_domain" validate:"required"`

	// APIBasePath prefixes the session endpoints. Defaults to "/auth".
	APIBasePath string `yaml:"api_base_path"`

	SessionExpiredStatusCode int `yaml:"session_expired_status_code" validate:"omitempty,min=400,max=599"`

	// MaxRetryAttemptsForSessionRefresh bounds the refreshes a single
	// request may trigger. Nil means the default of 10; zero disables
	// refresh-and-retry.
	MaxRetryAttemptsForSessionRefresh *int `yaml:"max_retry_attempts_for_session_refresh" validate:"omitempty,min=0"`

	// SessionTokenBackendDomain widens interception to a domain and its
	// subdomains, e.g. ".example.com".
	SessionTokenBackendDomain string `yaml:"session_token_backend_domain"`

	// CookieDomain is the older name for SessionTokenBackendDomain. It is
	// used only when SessionTokenBackendDomain is empty.
	CookieDomain string `yaml:"cookie_domain"`

	TokenTransferMethod TokenTransferMethod `yaml:"token_transfer_method" validate:"omitempty,oneof=header cookie"`

	CustomHeaderProvider CustomHeaderProvider `yaml:"-" validate:"-"`
	EventHandler         EventHandler         `yaml:"-" validate:"-"`

	// HTTPClient sends refresh calls and is the default transport for Do.
	// In cookie mode its Jar holds the session cookies.
	HTTPClient *http.Client     `yaml:"-" validate:"-"`
	Logger     *zerolog.Logger  `yaml:"-" validate:"-"`
	Meter      metric.Meter     `yaml:"-" validate:"-"`
	Now        func() time.Time `yaml:"-" validate:"-"`
}

// LoadConfigFile reads a YAML config. Environment variables in the file are
// expanded. Callbacks, clients and loggers have to be set in code.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := new(Config)
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ConfigError{
			Field: fe.Field(),
			Err:   fmt.Errorf("failed '%s' check (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ConfigError{Err: err}
}

// settings is a validated, normalised Config.
type settings struct {
	apiDomain    string
	basePath     string
	refreshURL   *url.URL
	signOutURL   *url.URL
	expiredCode  int
	maxRetries   int
	sessionScope string
	mode         TokenTransferMethod

	headers    CustomHeaderProvider
	httpClient *http.Client
	logger     zerolog.Logger
	meter      metric.Meter
	now        func() time.Time
}

func newSettings(cfg Config) (*settings, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	apiDomain, err := scope.NormaliseDomain(cfg.APIDomain)
	if err != nil {
		return nil, &ConfigError{Field: "api_domain", Err: err}
	}

	basePath := DefaultAPIBasePath
	if cfg.APIBasePath != "" {
		basePath = cfg.APIBasePath
	}
	basePath, err = scope.NormalisePath(basePath)
	if err != nil {
		return nil, &ConfigError{Field: "api_base_path", Err: err}
	}

	scopeDomain := cfg.SessionTokenBackendDomain
	if scopeDomain == "" {
		scopeDomain = cfg.CookieDomain
	}
	sessionScope := ""
	if scopeDomain != "" {
		sessionScope, err = scope.NormaliseSessionScope(scopeDomain)
		if err != nil {
			return nil, &ConfigError{Field: "session_token_backend_domain", Err: err}
		}
	}

	refreshURL, err := url.Parse(apiDomain + basePath + "/session/refresh")
	if err != nil {
		return nil, &ConfigError{Field: "api_base_path", Err: err}
	}
	signOutURL, err := url.Parse(apiDomain + basePath + "/signout")
	if err != nil {
		return nil, &ConfigError{Field: "api_base_path", Err: err}
	}

	s := &settings{
		apiDomain:    apiDomain,
		basePath:     basePath,
		refreshURL:   refreshURL,
		signOutURL:   signOutURL,
		expiredCode:  DefaultSessionExpiredStatusCode,
		maxRetries:   DefaultMaxRetryAttemptsForSessionRefresh,
		sessionScope: sessionScope,
		mode:         TransferHeader,
		headers:      cfg.CustomHeaderProvider,
		httpClient:   cfg.HTTPClient,
		logger:       zerolog.Nop(),
		meter:        cfg.Meter,
		now:          cfg.Now,
	}
	if cfg.SessionExpiredStatusCode != 0 {
		s.expiredCode = cfg.SessionExpiredStatusCode
	}
	if cfg.MaxRetryAttemptsForSessionRefresh != nil {
		s.maxRetries = *cfg.MaxRetryAttemptsForSessionRefresh
	}
	if cfg.TokenTransferMethod != "" {
		s.mode = cfg.TokenTransferMethod
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	if s.meter == nil {
		s.meter = noop.NewMeterProvider().Meter(meterName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *settings) customHeaders(purpose RequestPurpose) map[string]string {
	if s.headers == nil {
		return nil
	}
	return s.headers(purpose)
}

func (s *settings) transport() http.RoundTripper {
	if s.httpClient.Transport != nil {
		return s.httpClient.Transport
	}
	return http.DefaultTransport
}

// Retries returns a pointer for MaxRetryAttemptsForSessionRefresh.
func Retries(n int) *int {
	return &n
}
