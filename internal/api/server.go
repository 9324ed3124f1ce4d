// Package api provides the HTTP surface of the orchestrator: start,
// resume and status endpoints mapping 1:1 onto the engine, plus an
// SSE stream of progress events.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/atlasforge-ai/atlasforge/internal/core"
	"github.com/atlasforge-ai/atlasforge/internal/engine"
	"github.com/atlasforge-ai/atlasforge/internal/events"
	"github.com/atlasforge-ai/atlasforge/internal/logging"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	router      chi.Router
	engine      *engine.Engine
	runs        core.RunRepository
	checkpoints core.CheckpointStore
	bus         *events.Bus
	runConfig   core.WorkflowConfig
	origins     []string
	logger      *logging.Logger
}

// Option configures the server.
type Option func(*Server)

// WithAllowedOrigins sets the CORS allow-list.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates the API server.
func NewServer(eng *engine.Engine, runs core.RunRepository, checkpoints core.CheckpointStore, bus *events.Bus, runConfig core.WorkflowConfig, logger *logging.Logger, opts ...Option) *Server {
	s := &Server{
		engine:      eng,
		runs:        runs,
		checkpoints: checkpoints,
		bus:         bus,
		runConfig:   runConfig,
		origins:     []string{"*"},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/resume", s.handleResumeRun)
				r.Get("/checkpoints", s.handleListCheckpoints)
			})
		})

		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		switch domErr.Category {
		case core.ErrCatValidation:
			status = http.StatusBadRequest
		case core.ErrCatNotFound:
			status = http.StatusNotFound
		case core.ErrCatState:
			status = http.StatusConflict
		case core.ErrCatTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
