package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/guard"
	"github.com/amiskov/ppid-edge/pkg/refresh"
	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

const (
	adminUserJSON     = `{"id":1,"username":"admin","id_skpd":null}`
	partitionUserJSON = `{"id":7,"username":"opd","id_skpd":"12"}`
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

type pipeline struct {
	handler    http.Handler
	refreshes  atomic.Int32
	rejectNext atomic.Bool
	omitUser   atomic.Bool
	meFails    atomic.Bool
	whoAmI     atomic.Int32
	reached    atomic.Int32
	seen       atomic.Pointer[session.Session]
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/refresh-token":
			p.refreshes.Add(1)
			if p.rejectNext.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if p.omitUser.Load() {
				_, _ = w.Write([]byte(`{"data":{"access_token":"fresh-access","refresh_token":"fresh-refresh"}}`))
				return
			}
			fmt.Fprintf(w, `{"data":{"access_token":"fresh-access","refresh_token":"fresh-refresh","expires_in":900},"user":%s}`, adminUserJSON)
		case "/admin/user":
			p.whoAmI.Add(1)
			if p.meFails.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, `{"data":%s}`, adminUserJSON)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	store := session.NewCookieStore(session.CookieConfig{
		AccessMaxAge:  time.Hour,
		RefreshMaxAge: 24 * time.Hour,
		UserMaxAge:    8 * time.Hour,
	})
	orch := refresh.NewOrchestrator(backend.NewClient(srv.URL, time.Second, nil), store, nil, time.Second)
	auth := NewAuthMiddleware(store, orch, guard.DefaultRules())

	p.handler = auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.reached.Add(1)
		if s, ok := session.FromContext(r.Context()); ok {
			p.seen.Store(s)
		}
		w.WriteHeader(http.StatusOK)
	}))
	return p
}

func (p *pipeline) do(path string, cookies map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func setCookies(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestPipelineRefreshesExpiredToken(t *testing.T) {
	p := newPipeline(t)
	rec := p.do("/admin/dashboard", map[string]string{
		session.AccessTokenCookie:  signedToken(t, time.Now().Add(-time.Minute)),
		session.RefreshTokenCookie: "old-refresh",
		session.UserDataCookie:     url.QueryEscape(adminUserJSON),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, p.refreshes.Load())
	assert.EqualValues(t, 1, p.reached.Load())

	cookies := setCookies(rec)
	require.Len(t, cookies, 3)
	assert.Equal(t, "fresh-access", cookies[session.AccessTokenCookie].Value)
	assert.Equal(t, 900, cookies[session.AccessTokenCookie].MaxAge)
	assert.Equal(t, "fresh-refresh", cookies[session.RefreshTokenCookie].Value)
	assert.NotEmpty(t, cookies[session.UserDataCookie].Value)

	s := p.seen.Load()
	require.NotNil(t, s)
	assert.Equal(t, "fresh-access", s.AccessToken)
	assert.Equal(t, "admin", s.User.Username)
}

func TestPipelineAsksForUserOnceAfterRefresh(t *testing.T) {
	p := newPipeline(t)
	p.omitUser.Store(true)
	p.meFails.Store(true)
	rec := p.do("/admin/dashboard", map[string]string{
		session.AccessTokenCookie:  signedToken(t, time.Now().Add(-time.Minute)),
		session.RefreshTokenCookie: "old-refresh",
	})

	assert.EqualValues(t, 1, p.refreshes.Load())
	assert.EqualValues(t, 1, p.whoAmI.Load())
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.SessionExpiredLogin, rec.Header().Get("Location"))
	assert.Zero(t, p.reached.Load())
}

func TestPipelineRefreshWithoutUserFetchesIt(t *testing.T) {
	p := newPipeline(t)
	p.omitUser.Store(true)
	rec := p.do("/admin/dashboard", map[string]string{
		session.AccessTokenCookie:  signedToken(t, time.Now().Add(-time.Minute)),
		session.RefreshTokenCookie: "old-refresh",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, p.whoAmI.Load())
	s := p.seen.Load()
	require.NotNil(t, s)
	assert.Equal(t, "admin", s.User.Username)
}

func TestPipelineWithoutTokensRedirectsToLogin(t *testing.T) {
	p := newPipeline(t)
	rec := p.do("/admin/dashboard", nil)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.SessionExpiredLogin, rec.Header().Get("Location"))
	assert.Zero(t, p.refreshes.Load())
	assert.Zero(t, p.reached.Load())

	for _, c := range setCookies(rec) {
		assert.Equal(t, -1, c.MaxAge, c.Name)
	}
}

func TestPipelineFailedRefreshClearsSession(t *testing.T) {
	p := newPipeline(t)
	p.rejectNext.Store(true)
	rec := p.do("/opd/dashboard", map[string]string{
		session.AccessTokenCookie:  signedToken(t, time.Now().Add(-time.Minute)),
		session.RefreshTokenCookie: "dead-refresh",
	})

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.SessionExpiredLogin, rec.Header().Get("Location"))
	cookies := setCookies(rec)
	require.Len(t, cookies, 3)
	for _, c := range cookies {
		assert.Equal(t, -1, c.MaxAge, c.Name)
	}
	assert.Zero(t, p.reached.Load())
}

func TestPipelineSendsUsersHome(t *testing.T) {
	live := signedToken(t, time.Now().Add(time.Hour))
	tests := []struct {
		name     string
		path     string
		user     string
		wantCode int
		wantLoc  string
	}{
		{"admin in admin tree", "/admin/skpd", adminUserJSON, http.StatusOK, ""},
		{"admin in partition tree", "/opd/dokumen", adminUserJSON, http.StatusSeeOther, "/admin/dashboard"},
		{"partition user in admin tree", "/admin/skpd", partitionUserJSON, http.StatusSeeOther, "/opd/dashboard"},
		{"partition user in partition tree", "/opd/dokumen", partitionUserJSON, http.StatusOK, ""},
		{"public page", "/informasi-publik", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			cookies := map[string]string{session.AccessTokenCookie: live}
			if tt.user != "" {
				cookies[session.UserDataCookie] = url.QueryEscape(tt.user)
			}
			rec := p.do(tt.path, cookies)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantLoc, rec.Header().Get("Location"))
			assert.Zero(t, p.refreshes.Load())
		})
	}
}

func TestPipelineTrustsOpaqueToken(t *testing.T) {
	p := newPipeline(t)
	rec := p.do("/opd", map[string]string{
		session.AccessTokenCookie: "opaque",
		session.UserDataCookie:    url.QueryEscape(adminUserJSON),
	})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/dashboard", rec.Header().Get("Location"))
}

func TestPipelineRecoversMissingUser(t *testing.T) {
	p := newPipeline(t)
	rec := p.do("/admin/dashboard", map[string]string{
		session.AccessTokenCookie: signedToken(t, time.Now().Add(time.Hour)),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	c := setCookies(rec)[session.UserDataCookie]
	require.NotNil(t, c)
	raw, err := url.QueryUnescape(c.Value)
	require.NoError(t, err)
	var u user.User
	require.NoError(t, json.Unmarshal([]byte(raw), &u))
	assert.Equal(t, "admin", u.Username)
}

func TestPipelinePublicPathSkipsRefresh(t *testing.T) {
	p := newPipeline(t)
	rec := p.do("/login", map[string]string{
		session.AccessTokenCookie:  signedToken(t, time.Now().Add(-time.Minute)),
		session.RefreshTokenCookie: "r",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, p.refreshes.Load())
	assert.Empty(t, rec.Result().Cookies())
}

type panickyRefresher struct{}

func (panickyRefresher) MaybeRefresh(context.Context, http.ResponseWriter, session.Session, bool) (session.Session, refresh.Outcome) {
	panic("boom")
}

func (panickyRefresher) RecoverUser(_ context.Context, _ http.ResponseWriter, s session.Session, _ bool) session.Session {
	return s
}

func TestPipelineRefreshPanicIsFailure(t *testing.T) {
	store := session.NewCookieStore(session.CookieConfig{AccessMaxAge: time.Hour, RefreshMaxAge: time.Hour, UserMaxAge: time.Hour})
	auth := NewAuthMiddleware(store, panickyRefresher{}, guard.DefaultRules())
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("dispatched after a failed refresh")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.RefreshTokenCookie, Value: "r"})
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login"))
}
