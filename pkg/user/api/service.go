package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

type IBackend interface {
	Login(ctx context.Context, username, password string) (*backend.Grant, error)
	Logout(ctx context.Context, accessToken string) error
	Me(ctx context.Context, accessToken string) (*user.User, error)
}

type ICredentialStore interface {
	Write(w http.ResponseWriter, pair session.TokenPair, u *user.User) error
	Clear(w http.ResponseWriter)
}

var (
	errLoginRejected = errors.New("login rejected")
	errLoginFailed   = errors.New("login failed")
)

type service struct {
	backend IBackend
	store   ICredentialStore
	timeout time.Duration
}

func NewService(b IBackend, cs ICredentialStore, timeout time.Duration) *service {
	return &service{
		backend: b,
		store:   cs,
		timeout: timeout,
	}
}

// LogIn exchanges credentials for a token pair and writes the session
// cookies. The returned session is what the next request will read.
func (s *service) LogIn(ctx context.Context, w http.ResponseWriter, username, password string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	grant, err := s.backend.Login(ctx, username, password)
	if errors.Is(err, backend.ErrRejected) {
		logger.Log(ctx).Infof("user: login of `%s` rejected, %v", username, err)
		return nil, fmt.Errorf("user: login of `%s`, %w", username, errLoginRejected)
	}
	if err != nil {
		logger.Log(ctx).Errorf("user: login of `%s` failed, %v", username, err)
		return nil, fmt.Errorf("user: login of `%s`, %w", username, errLoginFailed)
	}

	u := grant.User
	if u == nil {
		u, err = s.backend.Me(ctx, grant.Pair.AccessToken)
		if err != nil {
			logger.Log(ctx).Errorf("user: can't fetch the user after login, %v", err)
			return nil, fmt.Errorf("user: login of `%s`, %w", username, errLoginFailed)
		}
	}

	if err := s.store.Write(w, grant.Pair, u); err != nil {
		logger.Log(ctx).Errorf("user: can't write session cookies, %v", err)
		return nil, fmt.Errorf("user: login of `%s`, %w", username, errLoginFailed)
	}

	return &session.Session{
		AccessToken:  grant.Pair.AccessToken,
		RefreshToken: grant.Pair.RefreshToken,
		User:         u,
	}, nil
}

// LogOut notifies the backend when there is a token to revoke and always
// clears the cookies.
func (s *service) LogOut(ctx context.Context, w http.ResponseWriter, accessToken string) {
	if accessToken != "" {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.backend.Logout(ctx, accessToken); err != nil {
			logger.Log(ctx).Warnf("user: backend logout failed, %v", err)
		}
	}
	s.store.Clear(w)
}
