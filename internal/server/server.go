// Package server provides the HTTP binding for the Evergreen engine: session
// management endpoints, envelope ingestion, and SSE streams for outbound
// envelopes and engine events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evergreen-ai/evergreen/internal/archive"
	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/observability"
	"github.com/evergreen-ai/evergreen/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout closes out sessions with no inbound envelopes for this
	// long. Zero disables expiry.
	IdleTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         7433,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	// baseCtx parents every session so they outlive individual requests.
	baseCtx context.Context
	engine  *session.Engine
	bus     *event.Bus
	// store receives completed-session transcripts. Nil disables archiving.
	store *archive.Archive

	mu      sync.Mutex
	brokers map[string]*broker
	// timers holds each session's idle-expiry timer, keyed like brokers.
	timers map[string]*time.Timer
}

// New creates a new Server instance. store may be nil.
func New(ctx context.Context, cfg *Config, engine *session.Engine, bus *event.Bus, store *archive.Archive) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	observability.RegisterMetrics()

	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		baseCtx: ctx,
		engine:  engine,
		bus:     bus,
		store:   store,
		brokers: make(map[string]*broker),
		timers:  make(map[string]*time.Timer),
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.watchLifecycle()

	return s
}

// watchLifecycle terminates a session's stream when the session aborts or
// completes away from a request handler, e.g. from an action goroutine.
func (s *Server) watchLifecycle() {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(event.SessionAborted, func(e event.Event) {
		if data, ok := e.Data.(event.SessionAbortedData); ok {
			if b := s.broker(data.SessionID); b != nil {
				b.terminate(streamItem{Err: data.Error})
			}
		}
	})
	s.bus.Subscribe(event.SessionCompleted, func(e event.Event) {
		if data, ok := e.Data.(event.SessionCompletedData); ok {
			if b := s.broker(data.SessionID); b != nil {
				b.terminate(streamItem{Done: true})
			}
		}
	})
}

func (s *Server) broker(sessionID string) *broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokers[sessionID]
}

// touch pushes a session's idle-expiry timer out after inbound activity.
func (s *Server) touch(sessionID string) {
	s.mu.Lock()
	if t := s.timers[sessionID]; t != nil {
		t.Reset(s.config.IdleTimeout)
	}
	s.mu.Unlock()
}

// expire closes out a session that saw no inbound envelopes for the idle
// timeout. Expiry is an orderly completion, so resolved work still flushes
// and the transcript is archived.
func (s *Server) expire(sessionID string) {
	sess, ok := s.engine.Get(sessionID)
	if !ok {
		return
	}
	b := s.broker(sessionID)
	if b == nil {
		return
	}
	logging.Info().Str("session", sessionID).Dur("timeout", s.config.IdleTimeout).Msg("session idle, closing out")
	s.closeOut(s.baseCtx, sess, b)
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.health)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.router.Get("/event", s.allEvents)

	s.router.Route("/session", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/envelope", s.postEnvelope)
			r.Get("/stream", s.sessionStream)
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
		})
	})

	s.router.Route("/archive", func(r chi.Router) {
		r.Get("/", s.listArchive)
		r.Get("/{sessionID}", s.getArchived)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.engine.Len(),
	})
}
