// Package httpserver exposes the operator API over HTTP.
//
// Routes under /api/v1/admin require a bearer token obtained from POST /api/v1/admin/session.
// Key ids and raw usage numbers are only ever shown here, never to end users.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/itbali/vpn-validator-bot/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	RatePerMinute   int   // per client IP; 0 disables
	MaxBodySize     int64 // bytes
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		ShutdownTimeout: 15 * time.Second,
		RatePerMinute:   60,
		MaxBodySize:     64 << 10,
	}
}

// CycleRunner starts a reconciliation cycle on demand and returns its id.
type CycleRunner interface {
	Start(ctx context.Context) (string, error)
}

// Server owns the router and the listener.
type Server struct {
	cfg    Config
	router chi.Router
	log    *zap.Logger

	auth  service.AuthService
	admin service.AdminService
	cycle CycleRunner

	// lifetime bounds work that outlives a request; set by ListenAndServe.
	lifetime context.Context
}

// New wires routes and middleware.
func New(cfg Config, auth service.AuthService, admin service.AdminService, cycle CycleRunner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, auth: auth, admin: admin, cycle: cycle, log: log, lifetime: context.Background()}
	s.setupRouter()
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(s.log))
	r.Use(chimw.Recoverer)
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	r.Get("/healthz", handleHealthz)

	h := &adminHandler{auth: s.auth, admin: s.admin, cycle: s.cycle, log: s.log, lifetime: s.lifetimeContext}
	r.Route("/api/v1/admin", func(r chi.Router) {
		if s.cfg.RatePerMinute > 0 {
			r.Use(RateLimit(s.cfg.RatePerMinute))
		}
		r.Post("/session", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(s.auth))

			r.Get("/stats", h.Stats)
			r.Get("/keys", h.Keys)
			r.Get("/keys/inactive", h.Inactive)
			r.Get("/users/{handle}", h.UserInfo)
			r.Delete("/users/{handle}", h.RevokeUser)
			r.Post("/reconcile", h.Reconcile)
		})
	})

	s.router = r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lifetimeContext() context.Context { return s.lifetime }

// ListenAndServe serves until ctx is done, then drains in-flight requests. Background cycles
// started over the API are cancelled with ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.lifetime = ctx
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
