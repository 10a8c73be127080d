package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/peicollab/familyaccess/internal/audit"
	"github.com/peicollab/familyaccess/internal/authz"
	"github.com/peicollab/familyaccess/internal/mail"
	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/internal/token"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	PublicBaseURL  string
	RateLimitRPS   int
	RateLimitBurst int
}

// Server is the HTTP API server.
type Server struct {
	store    storage.Store
	tokens   *token.Service
	attempts *audit.Recorder
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Store, mailer mail.Mailer, cfg Config) *Server {
	attempts := audit.NewRecorder(store)
	authzEngine := authz.NewEngine(store)
	tokenSvc := token.NewService(store, authzEngine, mailer, attempts, cfg.PublicBaseURL)

	return &Server{
		store:    store,
		tokens:   tokenSvc,
		attempts: attempts,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	rps, burst := s.cfg.RateLimitRPS, s.cfg.RateLimitBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(requestLogMiddleware)
	r.Use(newRateLimiter(rps, burst).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		// The guardian-facing entry point; the raw secret rides the query
		// string, consumed by an out-of-process presentation layer.
		r.Get("/family/access", s.FamilyAccessHandler)
	})

	// Staff routes
	r.Group(func(r chi.Router) {
		r.Use(staffAuthMiddleware(s.store))

		r.Post("/v1/tokens", s.TokenIssueHandler)
		r.Get("/v1/tokens", s.TokenListHandler)
		r.Post("/v1/tokens/{id}/revoke", s.TokenRevokeHandler)

		r.Get("/v1/attempts", s.AttemptListHandler)
		r.Post("/v1/admin/purge", s.PurgeHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
