package session

import (
	"context"
	"errors"
	"time"

	"github.com/amiskov/ppid-edge/pkg/user"
)

// Session is rebuilt from cookies on every request. There is no
// server-side session table.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *user.User
}

// TokenPair is what the backend issues on login and refresh. Zero expiries
// mean "use the configured cookie max-age".
type TokenPair struct {
	AccessToken        string
	AccessTokenExpiry  time.Duration
	RefreshToken       string
	RefreshTokenExpiry time.Duration
}

type sessionKey struct{}

var ErrNoAuth = errors.New("session: no authenticated user")

func (s *Session) Authenticated() bool {
	return s != nil && s.AccessToken != "" && s.User != nil
}

// NeedsRefresh reports whether the access token is missing or failed the
// trust check.
func (s *Session) NeedsRefresh(now time.Time) bool {
	return s.AccessToken == "" || !Trusted(s.AccessToken, now)
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// Token returns the access token of the request session, or "".
func Token(ctx context.Context) string {
	if s, ok := FromContext(ctx); ok {
		return s.AccessToken
	}
	return ""
}

func GetAuthUser(ctx context.Context) (*user.User, error) {
	s, ok := FromContext(ctx)
	if !ok || s.User == nil {
		return nil, ErrNoAuth
	}
	return s.User, nil
}
