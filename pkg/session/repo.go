package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amiskov/ppid-edge/pkg/user"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	UserDataCookie     = "user_data"
)

var ErrEncode = errors.New("session: can't encode session cookies")

type CookieConfig struct {
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
	UserMaxAge    time.Duration
	Secure        bool
}

// CookieStore keeps the three session artifacts in cookies. It never does
// network I/O and never fails on read.
type CookieStore struct {
	cfg CookieConfig
}

func NewCookieStore(cfg CookieConfig) *CookieStore {
	return &CookieStore{cfg: cfg}
}

// Read extracts the session. Unparseable user snapshots read as absent.
func (cs *CookieStore) Read(r *http.Request) Session {
	s := Session{
		AccessToken:  cookieValue(r, AccessTokenCookie),
		RefreshToken: cookieValue(r, RefreshTokenCookie),
	}
	if raw := cookieValue(r, UserDataCookie); raw != "" {
		s.User = decodeUser(raw)
	}
	return s
}

// Write replaces all three artifacts. Every cookie is built and checked
// before the first one is emitted, so a failure leaves the response
// untouched. An empty refresh token or a nil user deletes that cookie.
func (cs *CookieStore) Write(w http.ResponseWriter, pair TokenPair, u *user.User) error {
	if pair.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrEncode)
	}

	access := cs.cookie(AccessTokenCookie, pair.AccessToken, maxAge(pair.AccessTokenExpiry, cs.cfg.AccessMaxAge))

	refresh := cs.expired(RefreshTokenCookie)
	if pair.RefreshToken != "" {
		refresh = cs.cookie(RefreshTokenCookie, pair.RefreshToken, maxAge(pair.RefreshTokenExpiry, cs.cfg.RefreshMaxAge))
	}

	userData, err := cs.userCookie(u)
	if err != nil {
		return err
	}

	cookies := []*http.Cookie{access, refresh, userData}
	for _, c := range cookies {
		if err := c.Valid(); err != nil {
			return fmt.Errorf("%w: cookie %s, %v", ErrEncode, c.Name, err)
		}
	}
	for _, c := range cookies {
		replaceCookie(w, c)
	}
	return nil
}

// WriteUser replaces only the cached user snapshot.
func (cs *CookieStore) WriteUser(w http.ResponseWriter, u *user.User) error {
	c, err := cs.userCookie(u)
	if err != nil {
		return err
	}
	if err := c.Valid(); err != nil {
		return fmt.Errorf("%w: cookie %s, %v", ErrEncode, c.Name, err)
	}
	replaceCookie(w, c)
	return nil
}

// Clear deletes all three cookies. Calling it again yields the same headers.
func (cs *CookieStore) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie, UserDataCookie} {
		replaceCookie(w, cs.expired(name))
	}
}

func (cs *CookieStore) userCookie(u *user.User) (*http.Cookie, error) {
	if u == nil {
		return cs.expired(UserDataCookie), nil
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("%w: user snapshot, %v", ErrEncode, err)
	}
	return cs.cookie(UserDataCookie, url.QueryEscape(string(b)), cs.cfg.UserMaxAge), nil
}

func (cs *CookieStore) cookie(name, value string, age time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(age / time.Second),
		HttpOnly: true,
		Secure:   cs.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (cs *CookieStore) expired(name string) *http.Cookie {
	c := cs.cookie(name, "", 0)
	c.MaxAge = -1
	return c
}

func maxAge(issued, configured time.Duration) time.Duration {
	if issued > 0 {
		return issued
	}
	return configured
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func decodeUser(raw string) *user.User {
	unescaped, err := url.QueryUnescape(raw)
	if err != nil {
		return nil
	}
	var u *user.User
	if err := json.Unmarshal([]byte(unescaped), &u); err != nil {
		return nil
	}
	return u
}

// replaceCookie drops any Set-Cookie already queued for the same name so a
// response never carries two competing values.
func replaceCookie(w http.ResponseWriter, c *http.Cookie) {
	h := w.Header()
	prefix := c.Name + "="
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
	http.SetCookie(w, c)
}
