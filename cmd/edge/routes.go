package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/amiskov/ppid-edge/pkg/common"
	"github.com/amiskov/ppid-edge/pkg/middleware"
)

const proxyPrefix = "/api/proxy"

type (
	iUserHandler interface {
		LogIn(w http.ResponseWriter, r *http.Request)
		LogOut(w http.ResponseWriter, r *http.Request)
		Session(w http.ResponseWriter, r *http.Request)
	}

	handlerDeps struct {
		users    iUserHandler
		apiProxy http.Handler
		pages    http.Handler
		auth     func(http.Handler) http.Handler
		locale   func(http.Handler) http.Handler
		logging  *middleware.LoggingMiddleware
	}
)

// newHandler builds the route table and wraps it in the middleware chain.
// The pipeline wraps the router rather than r.Use so unmatched page
// requests are guarded as well.
func newHandler(d handlerDeps) http.Handler {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()

	// Session
	r.HandleFunc("/login", d.users.LogIn).Methods(http.MethodPost)
	r.Handle("/login", d.pages).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/logout", d.users.LogOut).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/api/session", d.users.Session).Methods(http.MethodGet)

	// Backend API
	r.PathPrefix(proxyPrefix + "/").Handler(d.apiProxy)

	// Everything else is a page
	r.NotFoundHandler = d.pages
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		common.WriteMsg(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	var h http.Handler = r
	h = d.auth(h)
	h = d.locale(h)
	h = d.logging.AccessLog(h)
	h = d.logging.SetupLogging(h)
	h = d.logging.SetupTracing(h)
	return h
}
