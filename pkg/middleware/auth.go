package middleware

import (
	"context"
	"net/http"

	"github.com/amiskov/ppid-edge/pkg/guard"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/refresh"
	"github.com/amiskov/ppid-edge/pkg/session"
)

type (
	ICredentialStore interface {
		Read(*http.Request) session.Session
		Clear(http.ResponseWriter)
	}
	IRefresher interface {
		MaybeRefresh(ctx context.Context, w http.ResponseWriter, sess session.Session, protected bool) (session.Session, refresh.Outcome)
		RecoverUser(ctx context.Context, w http.ResponseWriter, sess session.Session, protected bool) session.Session
	}
	IRouteGuard interface {
		Classify(path string) guard.RouteClass
		Decide(path string, s *session.Session) guard.Decision
	}
	Auth struct {
		Store     ICredentialStore
		Refresher IRefresher
		Guard     IRouteGuard
		loginURL  string
	}
)

func NewAuthMiddleware(cs ICredentialStore, rf IRefresher, g IRouteGuard) *Auth {
	return &Auth{
		Store:     cs,
		Refresher: rf,
		Guard:     g,
		loginURL:  guard.SessionExpiredLogin,
	}
}

// Middleware runs init -> refresh -> guard -> dispatch. Every step but
// dispatch may end the request with a 303.
func (auth Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		path := r.URL.Path

		sess := auth.Store.Read(r)
		protected := auth.Guard.Classify(path).Protected()

		sess, outcome := auth.refresh(ctx, w, sess, protected)
		if outcome == refresh.Failed {
			auth.Store.Clear(w)
			http.Redirect(w, r, auth.loginURL, http.StatusSeeOther)
			return
		}
		// A refresh already asked the backend for the user when the grant
		// had none.
		if outcome != refresh.Refreshed {
			sess = auth.Refresher.RecoverUser(ctx, w, sess, protected)
		}

		decision := auth.Guard.Decide(path, &sess)
		switch decision.Action {
		case guard.RedirectLogin:
			logger.Log(ctx).Debugf("auth: no session for %s, redirecting to login", path)
			if decision.ClearSession {
				auth.Store.Clear(w)
			}
			http.Redirect(w, r, decision.Target, http.StatusSeeOther)
			return
		case guard.RedirectHome:
			http.Redirect(w, r, decision.Target, http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, r.WithContext(session.WithSession(ctx, &sess)))
	})
}

// refresh turns a panic inside the refresh step into a failed outcome.
func (auth Auth) refresh(ctx context.Context, w http.ResponseWriter, sess session.Session, protected bool) (out session.Session, outcome refresh.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log(ctx).Errorf("auth: refresh step panicked, %v", rec)
			out, outcome = sess, refresh.Failed
		}
	}()
	return auth.Refresher.MaybeRefresh(ctx, w, sess, protected)
}
