package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/capture"
	"github.com/hookdebug/hookdebug/internal/config"
	"github.com/hookdebug/hookdebug/internal/directory"
	"github.com/hookdebug/hookdebug/internal/fanout"
	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/migration"
	"github.com/hookdebug/hookdebug/internal/models"
)

// Deps is everything the HTTP surface is wired to. Verifier may be nil to
// disable login.
type Deps struct {
	Directory   *directory.Directory
	Requests    *directory.Requests
	Pipeline    *capture.Pipeline
	Coordinator *migration.Coordinator
	Hub         *fanout.Hub
	Resolver    *identity.Resolver
	Verifier    identity.Verifier
	WSBuffer    int
	Retention   config.RetentionConfig
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	dir := s.deps.Directory
	epHandler := NewEndpointHandler(dir, s.deps.Requests, s.deps.Hub, s.cfg.PublicURL, s.log)
	reqHandler := NewRequestHandler(s.deps.Requests, s.deps.Hub, s.log)
	authHandler := NewAuthHandler(s.deps.Resolver, s.deps.Verifier, dir.Durable(), s.deps.Coordinator, s.log)
	healthHandler := NewHealthHandler(dir.Durable(), dir.Memory(), s.deps.Hub)
	captureHandler := NewCaptureHandler(s.deps.Pipeline, s.log)
	systemHandler := NewSystemHandler(dir.Durable(), dir.Memory(), s.deps.Hub, s.deps.Retention, s.log)
	wsHandler := fanout.NewWSHandler(s.deps.Hub, func(ctx context.Context, owner models.Owner, endpointID string) bool {
		_, err := dir.GetByID(ctx, endpointID, owner)
		return err == nil
	}, s.deps.WSBuffer, s.log)
	wsHandler.SetKeepAlive(func(owner models.Owner) {
		if owner.IsAnonymous() {
			dir.Memory().Touch(owner.ID())
		}
	})

	// Health check, no identity
	r.Get("/health", healthHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Resolver.Middleware)
		r.Use(touchSession(dir.Memory()))

		r.Get("/ws", wsHandler.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Post("/endpoints", epHandler.Create)
			r.Get("/endpoints", epHandler.List)
			r.Get("/endpoints/{id}", epHandler.Get)
			r.Delete("/endpoints/{id}", epHandler.Delete)
			r.Get("/endpoints/{id}/requests", epHandler.ListRequests)
			r.Get("/endpoints/{id}/requests/{requestId}", epHandler.GetRequest)
			r.Delete("/endpoints/{id}/requests", epHandler.ClearRequests)
			r.Get("/endpoints/{id}/export", epHandler.Export)

			r.Get("/requests", reqHandler.List)
			// {id} is an endpoint id here
			r.Get("/requests/{id}", epHandler.ListRequests)
			r.Delete("/requests/{id}", reqHandler.Delete)

			r.Get("/cleanup-info", systemHandler.CleanupInfo)
			r.Get("/stats", systemHandler.Stats)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Get("/me", authHandler.Me)
			r.Post("/logout", authHandler.Logout)
			r.With(requireAccount).Post("/migrate-endpoints", authHandler.MigrateEndpoints)
		})
	})

	// Webhook capture, any method, no identity
	r.HandleFunc("/{path}", captureHandler.Capture)
	r.HandleFunc("/{path}/*", captureHandler.Capture)

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
