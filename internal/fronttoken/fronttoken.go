// Package fronttoken decodes the front-token header sent by the backend.
//
// A front-token is the standard base64 encoding of a JSON object:
//
//	{"uid": "<user id>", "ate": <access token expiry, unix millis>, "up": {<access token payload>}}
//
// Its presence on the client is the signal that a session exists. The
// literal value "remove" tells the client the session has ended.
package fronttoken

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Remove is the header value that ends the session.
const Remove = "remove"

var ErrMalformed = errors.New("front token malformed")

type claims struct {
	UserID            string          `json:"uid"`
	AccessTokenExpiry int64           `json:"ate"`
	Payload           json.RawMessage `json:"up"`
}

// Token is a decoded front-token.
type Token struct {
	userID  string
	expiry  time.Time
	payload map[string]any
	raw     json.RawMessage
}

func (t *Token) UserID() string                { return t.userID }
func (t *Token) AccessTokenExpiry() time.Time  { return t.expiry }
func (t *Token) Payload() map[string]any       { return t.payload }
func (t *Token) Expired(now time.Time) bool    { return !t.expiry.After(now) }
func (t *Token) SamePayload(other *Token) bool { return other != nil && bytes.Equal(t.raw, other.raw) }

// Decode parses an encoded front-token.
func Decode(encoded string) (*Token, error) {
	if encoded == "" || encoded == Remove {
		return nil, fmt.Errorf("%w: no token", ErrMalformed)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding: %v", ErrMalformed, err)
	}

	c := claims{}
	if err := json.Unmarshal(decoded, &c); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrMalformed, err)
	}

	payload := map[string]any{}
	if len(c.Payload) > 0 && !bytes.Equal(c.Payload, []byte("null")) {
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: payload not an object: %v", ErrMalformed, err)
		}
	}

	// re-marshal so key order does not affect payload comparison
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Token{
		userID:  c.UserID,
		expiry:  time.UnixMilli(c.AccessTokenExpiry),
		payload: payload,
		raw:     canonical,
	}, nil
}

// Encode builds a front-token. It is used by backends and test fixtures.
func Encode(
	userID string,
	accessTokenExpiry time.Time,
	payload map[string]any,
) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	up, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("json marshal failure: %v", err)
	}
	data, err := json.Marshal(claims{
		UserID:            userID,
		AccessTokenExpiry: accessTokenExpiry.UnixMilli(),
		Payload:           up,
	})
	if err != nil {
		return "", fmt.Errorf("json marshal failure: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
