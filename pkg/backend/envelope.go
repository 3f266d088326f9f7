package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

// The backend has answered both `{access_token, refresh_token, user}` and
// `{data: {...}, user}`; login also says `token` instead of `access_token`.
// Everything is normalized here so nothing past this file sees envelopes.
type tokenEnvelope struct {
	AccessToken      string          `json:"access_token"`
	Token            string          `json:"token"`
	RefreshToken     string          `json:"refresh_token"`
	ExpiresIn        int64           `json:"expires_in"`
	RefreshExpiresIn int64           `json:"refresh_expires_in"`
	User             json.RawMessage `json:"user"`
	Data             json.RawMessage `json:"data"`
}

func decodeGrant(body []byte) (*Grant, error) {
	var outer tokenEnvelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	env := outer
	if isObject(outer.Data) {
		var inner tokenEnvelope
		if err := json.Unmarshal(outer.Data, &inner); err != nil {
			return nil, fmt.Errorf("%w: data, %v", ErrMalformedResponse, err)
		}
		env = merge(outer, inner)
	}

	access := env.AccessToken
	if access == "" {
		access = env.Token
	}
	if access == "" {
		return nil, fmt.Errorf("%w: no access token", ErrMalformedResponse)
	}

	g := &Grant{
		Pair: session.TokenPair{
			AccessToken:        access,
			AccessTokenExpiry:  time.Duration(env.ExpiresIn) * time.Second,
			RefreshToken:       env.RefreshToken,
			RefreshTokenExpiry: time.Duration(env.RefreshExpiresIn) * time.Second,
		},
	}
	if isObject(env.User) {
		u, err := decodeUser(env.User)
		if err != nil {
			return nil, err
		}
		g.User = u
	}
	return g, nil
}

// merge prefers the wrapped values and falls back to the top level.
func merge(outer, inner tokenEnvelope) tokenEnvelope {
	if inner.AccessToken == "" {
		inner.AccessToken = outer.AccessToken
	}
	if inner.Token == "" {
		inner.Token = outer.Token
	}
	if inner.RefreshToken == "" {
		inner.RefreshToken = outer.RefreshToken
	}
	if inner.ExpiresIn == 0 {
		inner.ExpiresIn = outer.ExpiresIn
	}
	if inner.RefreshExpiresIn == 0 {
		inner.RefreshExpiresIn = outer.RefreshExpiresIn
	}
	if isObject(outer.User) {
		inner.User = outer.User
	}
	return inner
}

// decodeUser accepts a bare user object or one wrapped in `data` or `user`.
func decodeUser(body []byte) (*user.User, error) {
	for depth := 0; depth < 3; depth++ {
		var wrapper struct {
			Data json.RawMessage `json:"data"`
			User json.RawMessage `json:"user"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: user, %v", ErrMalformedResponse, err)
		}
		switch {
		case isObject(wrapper.User):
			body = wrapper.User
		case isObject(wrapper.Data):
			body = wrapper.Data
		default:
			var u user.User
			if err := json.Unmarshal(body, &u); err != nil {
				return nil, fmt.Errorf("%w: user, %v", ErrMalformedResponse, err)
			}
			if u.ID == 0 && u.Username == "" {
				return nil, fmt.Errorf("%w: empty user", ErrMalformedResponse)
			}
			return &u, nil
		}
	}
	return nil, fmt.Errorf("%w: user nested too deep", ErrMalformedResponse)
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
