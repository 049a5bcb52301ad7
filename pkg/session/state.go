package session

import (
	"git.sr.ht/~jakintosh/tokensession/internal/fronttoken"
)

type SessionStatus int

const (
	StatusNotExists SessionStatus = iota
	StatusExists
)

func (s SessionStatus) String() string {
	if s == StatusExists {
		return "EXISTS"
	}
	return "NOT_EXISTS"
}

// LocalSessionState is a snapshot of whether a session exists locally and,
// if so, which credential generation it is on.
type LocalSessionState struct {
	Status                SessionStatus
	LastAccessTokenUpdate string
}

func (s LocalSessionState) Exists() bool { return s.Status == StatusExists }

// localSessionState requires both a front-token and a generation marker. One
// without the other is read as no session.
func (c *Client) localSessionState() (LocalSessionState, error) {
	front, ok, err := c.tokens.get(keyFrontToken)
	if err != nil {
		return LocalSessionState{}, err
	}
	if !ok || front == "" || front == fronttoken.Remove {
		return LocalSessionState{Status: StatusNotExists}, nil
	}

	marker, ok, err := c.tokens.get(keyLastAccessTokenUpdate)
	if err != nil {
		return LocalSessionState{}, err
	}
	if !ok || marker == "" {
		return LocalSessionState{Status: StatusNotExists}, nil
	}

	return LocalSessionState{
		Status:                StatusExists,
		LastAccessTokenUpdate: marker,
	}, nil
}
