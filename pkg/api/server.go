package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/artifacts"
	"github.com/cuemby/forge/pkg/auth"
	"github.com/cuemby/forge/pkg/config"
	"github.com/cuemby/forge/pkg/events"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

const statsCacheTTL = 10 * time.Second

// Server is the controller's HTTP surface.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	artifacts *artifacts.Store
	gate      *auth.Gate
	queue     *queue.Manager
	broker    *events.Broker
	logger    zerolog.Logger

	http *http.Server

	statsMu sync.Mutex
	stats   *types.FarmStats
	statsAt time.Time
}

// NewServer wires the HTTP surface over the core components.
func NewServer(cfg *config.Config, store storage.Store, art *artifacts.Store,
	gate *auth.Gate, q *queue.Manager, broker *events.Broker) *Server {

	s := &Server{
		cfg:       cfg,
		store:     store,
		artifacts: art,
		gate:      gate,
		queue:     q,
		broker:    broker,
		logger:    log.WithComponent("api"),
	}
	s.http = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No ReadTimeout/WriteTimeout: result uploads and downloads of
		// up to 1 GB are legitimate long requests.
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/builds", func(r chi.Router) {
			r.Post("/submit", s.handleSubmit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/status", s.handleBuildStatus)
				r.Get("/logs", s.handleBuildLogs)
				r.Post("/logs", s.handleAppendLogs)
				r.Get("/download", s.handleDownload)
				r.Post("/cancel", s.handleCancel)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Get("/source", s.handleSourceDownload)
				r.Get("/certs", s.handleCertsDownload)
			})
		})
		r.Route("/workers", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Get("/poll", s.handlePoll)
			r.Post("/result", s.handleResult)
			r.Post("/fail", s.handleFail)
		})
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Serve runs the HTTP server on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http listening")
	err := s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// admin authenticates and requires the admin principal.
func (s *Server) admin(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p, err := s.gate.Resolve(r.Context(), r.Header, "")
	if err != nil {
		writeError(w, err)
		return nil
	}
	if p.Kind != auth.KindAdmin {
		writeError(w, types.ErrForbidden)
		return nil
	}
	return p
}

// worker authenticates and requires a worker session.
func (s *Server) worker(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p, err := s.gate.Resolve(r.Context(), r.Header, "")
	if err != nil {
		writeError(w, err)
		return nil
	}
	if p.Kind != auth.KindWorker {
		writeError(w, types.ErrForbidden)
		return nil
	}
	return p
}

// buildAccess authenticates against the target build and loads it. kinds
// restricts which principal classes are acceptable.
func (s *Server) buildAccess(w http.ResponseWriter, r *http.Request, buildID string, kinds ...auth.Kind) (*auth.Principal, *types.Build) {
	p, err := s.gate.Resolve(r.Context(), r.Header, buildID)
	if err != nil {
		writeError(w, err)
		return nil, nil
	}

	allowed := false
	for _, k := range kinds {
		if p.Kind == k {
			allowed = true
			break
		}
	}
	if !allowed {
		writeError(w, types.ErrForbidden)
		return nil, nil
	}

	b, err := s.store.GetBuild(r.Context(), buildID)
	if err != nil {
		writeError(w, err)
		return nil, nil
	}
	if !p.CanAccessBuild(b) {
		writeError(w, types.ErrForbidden)
		return nil, nil
	}
	return p, b
}
