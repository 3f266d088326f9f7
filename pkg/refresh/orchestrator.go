package refresh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/session"
	"github.com/amiskov/ppid-edge/pkg/user"
)

type Outcome int

const (
	Skipped Outcome = iota
	Refreshed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Refreshed:
		return "refreshed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type iBackend interface {
	Refresh(ctx context.Context, refreshToken string) (*backend.Grant, error)
	Me(ctx context.Context, accessToken string) (*user.User, error)
}

type iCredentialStore interface {
	Write(w http.ResponseWriter, pair session.TokenPair, u *user.User) error
	WriteUser(w http.ResponseWriter, u *user.User) error
}

type Orchestrator struct {
	backend   iBackend
	store     iCredentialStore
	coalescer Coalescer
	timeout   time.Duration
	now       func() time.Time
}

// NewOrchestrator builds the orchestrator. A nil coalescer still gets
// in-process coalescing.
func NewOrchestrator(b iBackend, cs iCredentialStore, c Coalescer, timeout time.Duration) *Orchestrator {
	if c == nil {
		c = NewLocalCoalescer(nil)
	}
	return &Orchestrator{
		backend:   b,
		store:     cs,
		coalescer: c,
		timeout:   timeout,
		now:       time.Now,
	}
}

// MaybeRefresh rotates the session when the path is protected, the access
// token is missing or untrusted, and a refresh token is present. On
// Refreshed all three cookies have been rewritten; on Failed nothing was
// written and the caller must clear the session.
func (o *Orchestrator) MaybeRefresh(ctx context.Context, w http.ResponseWriter, sess session.Session, protected bool) (session.Session, Outcome) {
	if !protected || sess.RefreshToken == "" || !sess.NeedsRefresh(o.now()) {
		return sess, Skipped
	}

	log := logger.Log(ctx)
	presented := sess.RefreshToken

	// Detached so one caller going away does not fail the others sharing
	// this exchange; the timeout still bounds it.
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	grant, err := o.coalescer.Do(exCtx, presented, func(ctx context.Context) (*backend.Grant, error) {
		return o.backend.Refresh(ctx, presented)
	})
	if err != nil {
		if errors.Is(err, backend.ErrRejected) {
			log.Infof("refresh: refresh token rejected, %v", err)
		} else {
			log.Errorf("refresh: exchange failed, %v", err)
		}
		return sess, Failed
	}

	pair := grant.Pair
	if pair.RefreshToken == "" {
		// The backend did not rotate; the presented token is still the live one.
		pair.RefreshToken = presented
	}

	u := grant.User
	if u == nil {
		u = o.lookupUser(ctx, pair.AccessToken)
	}

	if err := o.store.Write(w, pair, u); err != nil {
		log.Errorf("refresh: can't write rotated session, %v", err)
		return sess, Failed
	}

	log.Infof("refresh: session rotated")
	return session.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         u,
	}, Refreshed
}

// RecoverUser refetches the user snapshot when a protected path is hit
// with a trusted access token but no usable cached user. Failures leave
// the user absent.
func (o *Orchestrator) RecoverUser(ctx context.Context, w http.ResponseWriter, sess session.Session, protected bool) session.Session {
	if !protected || sess.User != nil || sess.AccessToken == "" || !session.Trusted(sess.AccessToken, o.now()) {
		return sess
	}
	u := o.lookupUser(ctx, sess.AccessToken)
	if u == nil {
		return sess
	}
	if err := o.store.WriteUser(w, u); err != nil {
		logger.Log(ctx).Errorf("refresh: can't write recovered user, %v", err)
		return sess
	}
	sess.User = u
	return sess
}

func (o *Orchestrator) lookupUser(ctx context.Context, accessToken string) *user.User {
	meCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	u, err := o.backend.Me(meCtx, accessToken)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			logger.Log(ctx).Errorf("refresh: who-am-i failed, %v", err)
		} else {
			logger.Log(ctx).Infof("refresh: who-am-i refused, %v", err)
		}
		return nil
	}
	return u
}
