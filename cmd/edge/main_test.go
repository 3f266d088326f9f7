package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/guard"
	"github.com/amiskov/ppid-edge/pkg/middleware"
	"github.com/amiskov/ppid-edge/pkg/refresh"
	"github.com/amiskov/ppid-edge/pkg/session"
)

// recorder answers with a marker so a test can tell which handler ran.
type recorder struct {
	name  string
	token string
}

func (rc *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.token = session.Token(r.Context())
	w.Header().Set("X-Handler", rc.name)
	w.WriteHeader(http.StatusOK)
}

type stubUsers struct{}

func (stubUsers) LogIn(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Handler", "login")
	w.WriteHeader(http.StatusSeeOther)
}

func (stubUsers) LogOut(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Handler", "logout")
	w.WriteHeader(http.StatusSeeOther)
}

func (stubUsers) Session(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Handler", "session")
	w.WriteHeader(http.StatusOK)
}

type edge struct {
	handler http.Handler
	api     *recorder
	pages   *recorder
}

func newEdge(t *testing.T) *edge {
	t.Helper()
	store := session.NewCookieStore(session.CookieConfig{
		AccessMaxAge:  time.Hour,
		RefreshMaxAge: time.Hour,
		UserMaxAge:    time.Hour,
	})
	// The backend is never reached: no test presents a refresh token.
	orch := refresh.NewOrchestrator(backend.NewClient("http://127.0.0.1:1", time.Second, nil), store, nil, time.Second)
	auth := middleware.NewAuthMiddleware(store, orch, guard.DefaultRules())

	e := &edge{
		api:   &recorder{name: "proxy"},
		pages: &recorder{name: "pages"},
	}
	e.handler = newHandler(handlerDeps{
		users:    stubUsers{},
		apiProxy: e.api,
		pages:    e.pages,
		auth:     auth.Middleware,
		locale:   middleware.NewLocale("id", []string{"en"}).Middleware,
		logging:  middleware.NewLoggingMiddleware(zap.NewNop().Sugar()),
	})
	return e
}

func (e *edge) do(method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		wantCode int
		wantBy   string
	}{
		{"login page", http.MethodGet, "/login?error=session_expired", http.StatusOK, "pages"},
		{"login page head", http.MethodHead, "/login", http.StatusOK, "pages"},
		{"login submit", http.MethodPost, "/login", http.StatusSeeOther, "login"},
		{"logout get", http.MethodGet, "/logout", http.StatusSeeOther, "logout"},
		{"logout post", http.MethodPost, "/logout", http.StatusSeeOther, "logout"},
		{"session", http.MethodGet, "/api/session", http.StatusOK, "session"},
		{"proxy", http.MethodPost, "/api/proxy/admin/skpd", http.StatusOK, "proxy"},
		{"unmatched page", http.MethodGet, "/informasi-publik", http.StatusOK, "pages"},
		{"root", http.MethodGet, "/", http.StatusOK, "pages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newEdge(t).do(tt.method, tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBy, rec.Header().Get("X-Handler"))
		})
	}
}

func TestSessionMethodNotAllowed(t *testing.T) {
	rec := newEdge(t).do(http.MethodDelete, "/api/session")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"message":"method not allowed"}`, rec.Body.String())
}

func TestProxyRouteSeesSession(t *testing.T) {
	e := newEdge(t)
	rec := e.do(http.MethodGet, "/api/proxy/admin/skpd?page=2",
		&http.Cookie{Name: session.AccessTokenCookie, Value: "opaque-token"})

	require.Equal(t, "proxy", rec.Header().Get("X-Handler"))
	assert.Equal(t, "opaque-token", e.api.token)
}

func TestProtectedPageRunsPipelineFirst(t *testing.T) {
	e := newEdge(t)
	rec := e.do(http.MethodGet, "/admin/dashboard")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, guard.SessionExpiredLogin, rec.Header().Get("Location"))
	assert.Empty(t, rec.Header().Get("X-Handler"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestProtectedPageReachedWithSession(t *testing.T) {
	e := newEdge(t)
	rec := e.do(http.MethodGet, "/opd/dashboard",
		&http.Cookie{Name: session.AccessTokenCookie, Value: "opaque-token"},
		&http.Cookie{Name: session.UserDataCookie, Value: url.QueryEscape(`{"id":7,"username":"opd","id_skpd":"12"}`)})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pages", rec.Header().Get("X-Handler"))
	assert.Equal(t, "opaque-token", e.pages.token)
}

func TestForcedLogoutLandsOnLoginPage(t *testing.T) {
	e := newEdge(t)
	rec := e.do(http.MethodGet, "/admin/skpd")
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/login"))
	rec = e.do(http.MethodGet, loc)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pages", rec.Header().Get("X-Handler"))
}
