package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

var (
	// ErrRejected means the backend answered with a non-2xx status.
	ErrRejected = errors.New("backend: request rejected")
	// ErrUnavailable means the backend could not be reached at all.
	ErrUnavailable = errors.New("backend: unavailable")
	// ErrMalformedResponse means a 2xx body could not be normalized.
	ErrMalformedResponse = errors.New("backend: malformed response")
)

// Grant is a normalized login or refresh result.
type Grant struct {
	Pair session.TokenPair
	User *user.User
}

type Client struct {
	client  *resty.Client
	timeout time.Duration
}

// Logger is satisfied by *zap.SugaredLogger.
type Logger = resty.Logger

func NewClient(baseURL string, timeout time.Duration, l Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if l != nil {
		c.SetLogger(l)
	}
	return &Client{
		client:  c,
		timeout: timeout,
	}
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Refresh exchanges a refresh token for a rotated pair. After a successful
// call the presented refresh token is dead on the backend.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		Post("/refresh-token")
	if err != nil {
		return nil, fmt.Errorf("backend: refresh request failed, %w: %w", ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("backend: refresh answered %d, %w", resp.StatusCode(), ErrRejected)
	}
	return decodeGrant(resp.Body())
}

// Me fetches the current user for an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (*user.User, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get("/admin/user")
	if err != nil {
		return nil, fmt.Errorf("backend: who-am-i request failed, %w: %w", ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("backend: who-am-i answered %d, %w", resp.StatusCode(), ErrRejected)
	}
	return decodeUser(resp.Body())
}

func (c *Client) Login(ctx context.Context, username, password string) (*Grant, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		Post("/auth/login")
	if err != nil {
		return nil, fmt.Errorf("backend: login request failed, %w: %w", ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("backend: login answered %d, %w", resp.StatusCode(), ErrRejected)
	}
	return decodeGrant(resp.Body())
}

// Logout revokes the access token on the backend.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Post("/auth/logout")
	if err != nil {
		return fmt.Errorf("backend: logout request failed, %w: %w", ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("backend: logout answered %d, %w", resp.StatusCode(), ErrRejected)
	}
	return nil
}
