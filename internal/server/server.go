// Package server exposes the training control plane over HTTP and streams
// training telemetry to WebSocket subscribers.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/longregen/cascor/internal/config"
	"github.com/longregen/cascor/internal/relay"
	"github.com/longregen/cascor/internal/server/handlers"
	"github.com/longregen/cascor/internal/training"
)

const ReadTimeout = 30 * time.Second

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

func NewServer(cfg *config.Config, orch *training.Orchestrator, rel *relay.Relay) *Server {
	router := chi.NewRouter()

	router.Use(Recovery)
	router.Use(Logger)
	router.Use(Metrics)
	router.Use(CORS(cfg.Server.AllowedOrigins))

	healthH := handlers.NewHealthHandler(orch, rel)
	router.Get("/health", healthH.Health)
	router.Get("/health/live", healthH.Liveness)

	router.Handle("/metrics", promhttp.Handler())

	wsHandler := NewWSHandler(rel, orch, cfg)
	router.Get("/ws", wsHandler.ServeHTTP)
	router.Get("/api/v1/ws", wsHandler.ServeHTTP)

	router.Route("/api/v1", func(r chi.Router) {
		trainH := handlers.NewTrainingHandler(orch, rel)
		r.Post("/training/start", trainH.Start)
		r.Post("/training/stop", trainH.Stop)
		r.Post("/training/pause", trainH.Pause)
		r.Post("/training/resume", trainH.Resume)
		r.Post("/training/reset", trainH.Reset)
		r.Get("/training/status", trainH.Status)
		r.Get("/training/metrics", trainH.Metrics)
		r.Get("/training/history", trainH.History)
		r.Get("/training/candidates", trainH.Candidates)
		r.Post("/training/params", trainH.UpdateParams)
	})

	return &Server{
		cfg:    cfg,
		router: router,
	}
}

// Router exposes the handler tree, mostly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.router,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
