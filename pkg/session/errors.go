package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotInitialized = errors.New("session client not initialized")
	ErrNoSession      = errors.New("no session exists")
)

// ConfigError reports an invalid configuration value. It is returned before
// any network I/O happens.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid session config: %v", e.Err)
	}
	return fmt.Sprintf("invalid session config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// MaxRetryError is returned when a request kept answering with the
// session-expired status after the configured number of refreshes. Response
// holds the last such response; its body can still be read.
type MaxRetryError struct {
	URL      string
	Limit    int
	Response *http.Response
}

func (e *MaxRetryError) Error() string {
	return fmt.Sprintf(
		"%s kept returning the session expired status after %d session refresh attempts "+
			"(max_retry_attempts_for_session_refresh = %d); "+
			"check that the backend accepts the refreshed credentials",
		e.URL, e.Limit, e.Limit,
	)
}

// APIError is returned when the refresh or sign-out endpoint answers with
// an unexpected status.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}
