// Package api exposes the ingestion and retrieval HTTP interface.
//
// Ingestion routes are keyed by the caller's session id and only enqueue
// work; they return as soon as the message is queued. Retrieval routes read
// the durable store and the hybrid engine directly.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/recall/internal/broadcast"
	"github.com/HendryAvila/recall/internal/index"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/search"
	"github.com/HendryAvila/recall/internal/session"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Deps are the collaborators behind the API. Index is optional.
type Deps struct {
	Store    *memory.Store
	Sessions *session.Registry
	Search   *search.Engine
	Hub      *broadcast.Hub
	Index    index.VectorIndex

	// OnFatal is called when a request hits a durable write failure.
	OnFatal func(error)
	Version string
}

// Config tunes request handling and retrieval defaults.
type Config struct {
	RequestTimeout time.Duration
	DepthBefore    int
	DepthAfter     int
	RecencyDays    int
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	started time.Time
	router  *chi.Mux
}

// New creates the API server and its routes.
func New(deps Deps, cfg Config, log zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{deps: deps, cfg: cfg, log: log, started: time.Now(), router: chi.NewRouter()}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Streams stay open for the life of the client and skip the timeout.
	s.router.Get("/api/stream", s.deps.Hub.ServeWS)
	s.router.Get("/api/events", s.deps.Hub.ServeSSE)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		// Ingestion
		r.Post("/api/sessions/init", s.handleSessionInit)
		r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/prompts", s.handlePrompt)
			r.Post("/observations", s.handleObservation)
			r.Post("/summarize", s.handleSummarize)
			r.Post("/complete", s.handleComplete)
		})
		r.Get("/api/sessions", s.handleListSessions)

		// Retrieval
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/timeline", s.handleTimeline)
		r.Get("/api/observations/{id}", s.handleGetObservation)
		r.Get("/api/summaries/{id}", s.handleGetSummary)
		r.Get("/api/snapshot", s.handleSnapshot)
		r.Get("/api/stats", s.handleStats)
	})
}

// requestLogger logs one line per request at debug level, warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			ev := s.log.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = s.log.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
