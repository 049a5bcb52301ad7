package session

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
)

type unauthorisedResult int

const (
	resultRetry unauthorisedResult = iota
	resultSessionExpired
	resultAPIError
)

func (r unauthorisedResult) String() string {
	switch r {
	case resultRetry:
		return "retry"
	case resultSessionExpired:
		return "session_expired"
	default:
		return "api_error"
	}
}

type unauthorisedResponse struct {
	result unauthorisedResult
	err    error
}

// onUnauthorised is called after a request observed the session-expired
// status with the session state it sent under. Under the write lock it
// either finds that the generation already moved on, or makes exactly one
// call to the refresh endpoint.
func (c *Client) onUnauthorised(
	ctx context.Context,
	pre LocalSessionState,
) (res unauthorisedResponse) {
	defer func() {
		if err := c.cleanupIfSessionGone(); err != nil {
			c.log.Warn().Err(err).Msg("failed to clear credentials after refresh")
		}
		c.metrics.refresh(ctx, res.result)
	}()

	c.gate.Lock()
	c.events.hold()
	defer c.events.release()
	defer c.gate.Unlock()

	return c.refreshLocked(ctx, pre)
}

func (c *Client) refreshLocked(
	ctx context.Context,
	pre LocalSessionState,
) unauthorisedResponse {
	state, err := c.localSessionState()
	if err != nil {
		return unauthorisedResponse{result: resultAPIError, err: fmt.Errorf("read session state: %w", err)}
	}

	if !state.Exists() {
		c.log.Debug().Msg("refresh skipped: no session")
		c.events.fire(EventUnauthorised)
		return unauthorisedResponse{result: resultSessionExpired}
	}

	if state.Status != pre.Status || state.LastAccessTokenUpdate != pre.LastAccessTokenUpdate {
		c.log.Debug().
			Str("seen", pre.LastAccessTokenUpdate).
			Str("current", state.LastAccessTokenUpdate).
			Msg("refresh skipped: generation already advanced")
		return unauthorisedResponse{result: resultRetry}
	}

	req, err := c.newRefreshRequest(ctx, state)
	if err != nil {
		return unauthorisedResponse{result: resultAPIError, err: fmt.Errorf("refresh session: %w", err)}
	}

	c.log.Debug().Str("url", req.URL.String()).Msg("refreshing session")
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		return unauthorisedResponse{result: resultAPIError, err: fmt.Errorf("refresh session: %w", err)}
	}
	defer drainAndClose(resp)

	expired := resp.StatusCode == c.cfg.expiredCode
	if _, ok := headerValue(resp.Header, headerFrontToken); expired && !ok {
		resp.Header.Set(headerFrontToken, fronttoken.Remove)
	}

	if err := c.saveTokensFromHeaders(resp.Header); err != nil {
		return unauthorisedResponse{result: resultAPIError, err: fmt.Errorf("refresh session: %w", err)}
	}
	c.events.fireLifecycleEvent(pre.Exists(), resp.Header, resp.StatusCode)

	if expired {
		c.log.Debug().Int("status", resp.StatusCode).Msg("refresh rejected: session expired")
		return unauthorisedResponse{result: resultSessionExpired}
	}
	if resp.StatusCode >= 300 {
		return unauthorisedResponse{
			result: resultAPIError,
			err: &APIError{
				Op:         "refresh session",
				StatusCode: resp.StatusCode,
				Message:    readMessage(resp.Body),
			},
		}
	}

	after, err := c.localSessionState()
	if err != nil {
		return unauthorisedResponse{result: resultAPIError, err: fmt.Errorf("read session state: %w", err)}
	}
	if !after.Exists() {
		return unauthorisedResponse{result: resultSessionExpired}
	}

	c.events.fire(EventRefreshSession)
	return unauthorisedResponse{result: resultRetry}
}

func (c *Client) newRefreshRequest(
	ctx context.Context,
	state LocalSessionState,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.refreshURL.String(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerRID, ridSession)
	req.Header.Set(headerFDIVersion, fdiVersions)
	req.Header.Set(headerAuthMode, string(c.cfg.mode))

	antiCSRF, ok, err := c.antiCSRFToken(state.LastAccessTokenUpdate)
	if err != nil {
		return nil, err
	}
	if ok {
		req.Header.Set(headerAntiCSRF, antiCSRF)
	}

	if c.cfg.mode == TransferHeader {
		refreshToken, ok, err := c.tokens.get(keyRefreshToken)
		if err != nil {
			return nil, err
		}
		if ok {
			req.Header.Set(headerAuthorization, bearer(refreshToken))
		}
	}

	for k, v := range c.cfg.customHeaders(PurposeRefresh) {
		req.Header.Set(k, v)
	}
	return req, nil
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// readMessage returns a bounded prefix of a response body for error text.
func readMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(body, 512))
	return string(data)
}
