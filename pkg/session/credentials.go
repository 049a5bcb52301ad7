package session

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
)

// antiCSRFCache holds the anti-CSRF token together with the generation
// marker it was read or written under.
type antiCSRFCache struct {
	mu     sync.Mutex
	valid  bool
	marker string
	token  string
	ok     bool
}

func (a *antiCSRFCache) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = false
	a.marker = ""
	a.token = ""
	a.ok = false
}

// antiCSRFToken returns the anti-CSRF token for the given generation. A
// cached token from another generation is discarded and storage is read
// again, bypassing the token store cache.
func (c *Client) antiCSRFToken(marker string) (string, bool, error) {
	c.antiCSRF.mu.Lock()
	defer c.antiCSRF.mu.Unlock()

	if c.antiCSRF.valid && c.antiCSRF.marker == marker {
		return c.antiCSRF.token, c.antiCSRF.ok, nil
	}

	token, ok, err := c.tokens.load(keyAntiCSRF)
	if err != nil {
		return "", false, err
	}
	c.antiCSRF.valid = true
	c.antiCSRF.marker = marker
	c.antiCSRF.token = token
	c.antiCSRF.ok = ok
	return token, ok, nil
}

func (c *Client) setAntiCSRFToken(marker string, token string) error {
	c.antiCSRF.mu.Lock()
	defer c.antiCSRF.mu.Unlock()

	if err := c.tokens.set(keyAntiCSRF, token); err != nil {
		c.antiCSRF.valid = false
		return err
	}
	c.antiCSRF.valid = true
	c.antiCSRF.marker = marker
	c.antiCSRF.token = token
	c.antiCSRF.ok = true
	return nil
}

func (c *Client) removeAntiCSRFToken() error {
	c.antiCSRF.mu.Lock()
	defer c.antiCSRF.mu.Unlock()

	c.antiCSRF.valid = false
	return c.tokens.remove(keyAntiCSRF)
}

// bumpGeneration stores a new generation marker, strictly greater than any
// marker this client has seen.
func (c *Client) bumpGeneration() (string, error) {
	c.markerMu.Lock()
	defer c.markerMu.Unlock()

	next := c.cfg.now().UnixNano()
	if stored, ok, err := c.tokens.get(keyLastAccessTokenUpdate); err != nil {
		return "", err
	} else if ok {
		if prev, err := strconv.ParseInt(stored, 10, 64); err == nil && prev >= next {
			next = prev + 1
		}
	}
	if next <= c.lastMarker {
		next = c.lastMarker + 1
	}

	marker := strconv.FormatInt(next, 10)
	if err := c.tokens.set(keyLastAccessTokenUpdate, marker); err != nil {
		return "", err
	}
	c.lastMarker = next
	return marker, nil
}

// saveTokensFromHeaders persists the credentials a response carries. An
// empty token header removes that token, and a front-token of "remove"
// clears the whole credential set.
func (c *Client) saveTokensFromHeaders(header http.Header) error {
	bump := false

	if token, ok := headerValue(header, headerRefreshToken); ok {
		if err := c.setOrRemove(keyRefreshToken, token); err != nil {
			return fmt.Errorf("save refresh token: %w", err)
		}
	}

	if token, ok := headerValue(header, headerAccessToken); ok {
		previous, hadPrevious, err := c.tokens.get(keyAccessToken)
		if err != nil {
			return fmt.Errorf("save access token: %w", err)
		}
		if err := c.setOrRemove(keyAccessToken, token); err != nil {
			return fmt.Errorf("save access token: %w", err)
		}
		if hadPrevious && previous != token {
			c.retireAccessToken(previous)
		}
		bump = bump || token != ""
	}

	if front, ok := headerValue(header, headerFrontToken); ok {
		if front == fronttoken.Remove || front == "" {
			return c.clearSession()
		}
		if err := c.setFrontToken(front); err != nil {
			return fmt.Errorf("save front token: %w", err)
		}
		bump = true
	}

	if bump {
		if _, err := c.bumpGeneration(); err != nil {
			return fmt.Errorf("save generation marker: %w", err)
		}
	}

	if token, ok := headerValue(header, headerAntiCSRF); ok {
		state, err := c.localSessionState()
		if err != nil {
			return fmt.Errorf("save anti-csrf token: %w", err)
		}
		switch {
		case token == "":
			err = c.removeAntiCSRFToken()
		case state.Exists():
			err = c.setAntiCSRFToken(state.LastAccessTokenUpdate, token)
		}
		if err != nil {
			return fmt.Errorf("save anti-csrf token: %w", err)
		}
	}

	return nil
}

func (c *Client) setOrRemove(key tokenKey, value string) error {
	if value == "" {
		return c.tokens.remove(key)
	}
	return c.tokens.set(key, value)
}

// setFrontToken stores a new front-token and fires
// EventAccessTokenPayloadUpdated when its payload differs from the
// previous one.
func (c *Client) setFrontToken(encoded string) error {
	previous, hadPrevious, err := c.tokens.get(keyFrontToken)
	if err != nil {
		return err
	}
	if err := c.tokens.set(keyFrontToken, encoded); err != nil {
		return err
	}

	if !hadPrevious || previous == encoded || previous == fronttoken.Remove {
		return nil
	}
	oldToken, oldErr := fronttoken.Decode(previous)
	newToken, newErr := fronttoken.Decode(encoded)
	if newErr != nil {
		c.log.Warn().Err(newErr).Msg("stored undecodable front token")
		return nil
	}
	if oldErr != nil || !newToken.SamePayload(oldToken) {
		c.events.fire(EventAccessTokenPayloadUpdated)
	}
	return nil
}

// clearSession removes every credential, ending the local session.
func (c *Client) clearSession() error {
	var errs []error
	if access, ok, err := c.tokens.get(keyAccessToken); err == nil && ok {
		c.retireAccessToken(access)
	}
	for _, key := range allKeys {
		if key == keyAntiCSRF {
			continue
		}
		if err := c.tokens.remove(key); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
		}
	}
	if err := c.removeAntiCSRFToken(); err != nil {
		errs = append(errs, fmt.Errorf("clear %s: %w", keyAntiCSRF, err))
	}
	return errors.Join(errs...)
}

// cleanupIfSessionGone clears the anti-CSRF token and front-token when no
// session exists. Values already absent are left alone, so repeated calls
// do nothing.
func (c *Client) cleanupIfSessionGone() error {
	state, err := c.localSessionState()
	if err != nil {
		return err
	}
	if state.Exists() {
		return nil
	}

	if _, ok, err := c.tokens.get(keyFrontToken); err != nil {
		return err
	} else if ok {
		if err := c.tokens.remove(keyFrontToken); err != nil {
			return err
		}
	}

	if _, ok, err := c.tokens.get(keyAntiCSRF); err != nil {
		return err
	} else if ok {
		if err := c.removeAntiCSRFToken(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) retireAccessToken(token string) {
	c.retiredMu.Lock()
	defer c.retiredMu.Unlock()
	c.retiredAccess = token
}

func (c *Client) isRetiredAccessToken(token string) bool {
	c.retiredMu.Lock()
	defer c.retiredMu.Unlock()
	return c.retiredAccess != "" && c.retiredAccess == token
}

func (c *Client) frontToken() (*fronttoken.Token, error) {
	encoded, ok, err := c.tokens.get(keyFrontToken)
	if err != nil {
		return nil, err
	}
	if !ok || encoded == "" || encoded == fronttoken.Remove {
		return nil, ErrNoSession
	}
	return fronttoken.Decode(encoded)
}
