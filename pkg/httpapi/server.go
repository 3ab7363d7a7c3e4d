// Package httpapi exposes the login flow and access checks over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/oidcaccount/pkg/accounts"
	"github.com/platinummonkey/oidcaccount/pkg/authn"
	"github.com/platinummonkey/oidcaccount/pkg/authz"
	"github.com/platinummonkey/oidcaccount/pkg/cache"
	"github.com/platinummonkey/oidcaccount/pkg/httputil"
	"github.com/platinummonkey/oidcaccount/pkg/middleware"
	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// Accounts is the account lookup the handlers need
type Accounts interface {
	GetUser(ctx context.Context, userID int64) (*authz.User, error)
	SetUserEnabled(ctx context.Context, userID int64, enabled bool) error
	ListActivities(ctx context.Context, userID int64, limit int) ([]accounts.Activity, error)
}

// Config wires a Server
type Config struct {
	Auth     *authn.Authenticator
	Accounts Accounts
	Authz    *authz.Manager
	// Sessions stores session bindings.
	Sessions   cache.Cache
	SessionTTL time.Duration
	// BaseURL is the externally visible origin, e.g. https://app.example.com
	BaseURL string
	// SecureCookies marks the session cookie Secure and SameSite=None.
	SecureCookies bool
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// LoginLimiter throttles login and callback requests per client
	// address; nil disables throttling.
	LoginLimiter middleware.Limiter
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Server holds the HTTP handlers
type Server struct {
	auth       *authn.Authenticator
	accounts   Accounts
	authz      *authz.Manager
	guard      *authz.Middleware
	sessions   *sessions
	baseURL    string
	trustProxy bool
	limiter    middleware.Limiter
	log        *observability.Logger
	metrics    *observability.Metrics
}

// NewServer creates a server
func NewServer(cfg Config) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Server{
		auth:       cfg.Auth,
		accounts:   cfg.Accounts,
		authz:      cfg.Authz,
		guard:      authz.NewMiddleware(cfg.Authz),
		sessions:   &sessions{store: cfg.Sessions, ttl: cfg.SessionTTL, secure: cfg.SecureCookies},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		trustProxy: cfg.TrustProxy,
		limiter:    cfg.LoginLimiter,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Permission slugs guarding the administrative routes
const (
	PermissionViewActivity   = "view_user_activity"
	PermissionUpdateUserFlag = "update_user_enabled"
)

// RegisterRoutes registers the routes on router
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.log),
		observability.HTTPMetricsMiddleware(s.metrics, routeName),
		s.sessionMiddleware,
	)

	router.HandleFunc("/auth/providers", s.listProviders).Methods(http.MethodGet)
	router.HandleFunc("/auth/me", s.me).Methods(http.MethodGet)
	router.Handle("/auth/{alias}/login", s.throttle(http.HandlerFunc(s.login))).Methods(http.MethodGet)
	router.Handle("/auth/{alias}/callback", httputil.Chain(
		s.throttle,
		httputil.MaxBytesMiddleware(1<<20),
	)(http.HandlerFunc(s.callback))).Methods(http.MethodPost)
	router.HandleFunc("/auth/{alias}/logout", s.logout).Methods(http.MethodGet, http.MethodPost)

	router.Handle("/users/{user_id}/activity",
		s.guard.RequireAccess(PermissionViewActivity, authz.RouteParams)(http.HandlerFunc(s.activity))).Methods(http.MethodGet)
	router.Handle("/users/{user_id}/enabled",
		s.guard.RequireAccess(PermissionUpdateUserFlag, authz.RouteParams)(http.HandlerFunc(s.setEnabled))).Methods(http.MethodPut)
}

// Handler returns a router with every route registered
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

// throttle applies the login limiter keyed by client address
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return middleware.RateLimit(s.limiter, func(r *http.Request) string {
		return "login:" + httputil.ClientIP(r, s.trustProxy)
	}, s.log)(next)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// sessionMiddleware resolves the session cookie to a user. Disabled
// accounts and unknown users are treated as guests.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.sessions.id(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		b, ok, err := s.sessions.lookup(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("request_id", observability.GetRequestID(ctx)).Warn("Session lookup failed")
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.accounts.GetUser(ctx, b.UserID)
		if err != nil || !user.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx = authz.WithUser(ctx, user)
		ctx = observability.WithUserID(ctx, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
