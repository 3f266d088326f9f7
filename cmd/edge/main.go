package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amiskov/ppid-edge/pkg/backend"
	"github.com/amiskov/ppid-edge/pkg/common"
	"github.com/amiskov/ppid-edge/pkg/config"
	"github.com/amiskov/ppid-edge/pkg/guard"
	"github.com/amiskov/ppid-edge/pkg/logger"
	"github.com/amiskov/ppid-edge/pkg/middleware"
	"github.com/amiskov/ppid-edge/pkg/proxy"
	"github.com/amiskov/ppid-edge/pkg/refresh"
	"github.com/amiskov/ppid-edge/pkg/session"
	userApi "github.com/amiskov/ppid-edge/pkg/user/api"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("edge: bad configuration, %v", err)
	}

	l := logger.Run(cfg.LogLevel, cfg.IsDevelopment())
	defer func() { _ = l.Sync() }()

	api := backend.NewClient(cfg.BackendURL, cfg.RefreshTimeout, l)
	store := session.NewCookieStore(session.CookieConfig{
		AccessMaxAge:  cfg.AccessTokenMaxAge,
		RefreshMaxAge: cfg.RefreshTokenMaxAge,
		UserMaxAge:    cfg.UserDataMaxAge,
		Secure:        cfg.SecureCookies(),
	})

	var shared refresh.Coalescer
	if cfg.RedisAddr != "" && cfg.RefreshGrace > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			l.Warnf("edge: redis at %s is not answering, refreshes fall back to local coalescing, %v", cfg.RedisAddr, err)
		}
		shared = refresh.NewRedisCoalescer(rdb, cfg.RefreshGrace, cfg.RefreshTimeout)
		l.Infof("edge: cross-instance refresh coalescing via %s, grace %s", cfg.RedisAddr, cfg.RefreshGrace)
	}
	orchestrator := refresh.NewOrchestrator(api, store, refresh.NewLocalCoalescer(shared), cfg.RefreshTimeout)

	rules := guard.DefaultRules()
	auth := middleware.NewAuthMiddleware(store, orchestrator, rules)
	locale := middleware.NewLocale(cfg.DefaultLocale, cfg.Locales)
	logMiddleware := middleware.NewLoggingMiddleware(l)

	apiProxy, err := proxy.NewForwarder(cfg.ProxyURL, proxy.Options{
		Prefix:       proxyPrefix,
		Timeout:      cfg.ProxyTimeout,
		InjectToken:  true,
		StripCookies: []string{session.AccessTokenCookie, session.RefreshTokenCookie, session.UserDataCookie},
		Logger:       l.Desugar(),
	})
	if err != nil {
		l.Fatalf("edge: can't set up the api proxy, %v", err)
	}

	pages, err := pageHandler(cfg, l.Desugar())
	if err != nil {
		l.Fatalf("edge: can't set up the page renderer, %v", err)
	}

	userHandler := userApi.NewUserHandler(userApi.NewService(api, store, cfg.RefreshTimeout), rules)

	h := newHandler(handlerDeps{
		users:    userHandler,
		apiProxy: apiProxy,
		pages:    pages,
		auth:     auth.Middleware,
		locale:   locale.Middleware,
		logging:  logMiddleware,
	})

	srv := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(l.Desugar()),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		l.Infof("edge: serving at http://%s/, backend %s", cfg.RunAddress, cfg.BackendURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("edge: shutting down")
	case err := <-errCh:
		l.Errorf("edge: server failed, %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Errorf("edge: shutdown, %v", err)
	}
}

// pageHandler forwards page requests to the renderer when one is
// configured. The renderer gets the locale but never the bearer token.
func pageHandler(cfg *config.Config, l *zap.Logger) (http.Handler, error) {
	if cfg.RendererURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			common.WriteMsg(w, "not found", http.StatusNotFound)
		}), nil
	}
	return proxy.NewForwarder(cfg.RendererURL, proxy.Options{
		Timeout:      cfg.ProxyTimeout,
		StripCookies: []string{session.AccessTokenCookie, session.RefreshTokenCookie},
		Decorate: func(in, out *http.Request) {
			out.Header.Set("X-Locale", middleware.LocaleFromContext(in.Context()))
			if accept := in.Header.Get("Accept"); accept != "" {
				out.Header.Set("Accept", accept)
			}
		},
		Logger: l,
	})
}
