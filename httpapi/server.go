package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/tenantauth"
	"github.com/MrEthical07/tenantauth/identity"
	"github.com/MrEthical07/tenantauth/internal/ttlcache"
	"github.com/MrEthical07/tenantauth/middleware"
)

const (
	maxBodyBytes = 64 << 10
	limiterIdle  = 10 * time.Minute
	pruneEvery   = 1024
)

// Server serves the session API for one engine.
type Server struct {
	engine     *tenantauth.Engine
	cfg        tenantauth.HTTPConfig
	refreshTTL time.Duration
	log        *zap.Logger
	metrics    http.Handler
	now        func() time.Time

	limiters *ttlcache.Cache[*rate.Limiter]
	seen     atomic.Uint64
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock overrides the clock used by the per-IP limiter cache.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Server around engine, taking HTTP settings from its config.
func New(engine *tenantauth.Engine, opts ...Option) *Server {
	cfg := engine.Config()
	s := &Server{
		engine:     engine,
		cfg:        cfg.HTTP,
		refreshTTL: cfg.JWT.RefreshTTL,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiters = ttlcache.New[*rate.Limiter](s.now)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.accessLog)
	r.Use(securityHeaders)
	r.Use(s.rateLimit)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Tenant(s.engine, s.writeError))

		r.Get("/tenant/status", s.tenantStatus)
		r.Post("/login", s.login)
		r.With(s.requireCSRF).Post("/refresh", s.refresh)
		r.With(s.requireCSRF).Post("/logout", s.logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.engine, s.writeError))
			r.Get("/me", s.me)
			r.Route("/2fa", func(r chi.Router) {
				r.Post("/setup", s.mfaSetup)
				r.Post("/verify", s.mfaVerify)
				r.Post("/reauth", s.mfaReauth)
			})
			r.Post("/password", s.changePassword)
			r.With(middleware.RequireRole(s.engine, s.writeError, identity.RoleAdmin)).
				Put("/users/{id}/role", s.changeRole)
			r.Route("/platform/impersonations", func(r chi.Router) {
				r.Use(middleware.RequirePlatformAdmin(s.engine, s.writeError))
				r.Post("/", s.impersonate)
				r.Delete("/{id}", s.revokeImpersonation)
			})
		})
	})
	return r
}
