// Package http exposes the engine over a JSON API: regime-memory packs,
// calibration runs, the shadow audit surface and the simulation harness,
// plus Prometheus metrics. Read endpoints serve degraded packs instead of
// failing when upstream data is stale; only infrastructure failures produce
// 5xx responses.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/application"
	"github.com/fractal-platform/macrobrain/internal/config"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Server is the HTTP front end over the assembled application container.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	cfg      config.ServerConfig
	logger   zerolog.Logger
}

// NewServer builds the router and handler set. Start binds the listener.
func NewServer(app *application.App) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: NewHandlers(app),
		cfg:      app.Cfg.Server,
		logger:   log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes(app)
	return s
}

func (s *Server) setupRoutes(app *application.App) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)

	s.router.HandleFunc("/health", s.handlers.Liveness).Methods("GET")
	s.router.Handle("/metrics", app.Metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/brain/v2").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/regime-memory/current", s.handlers.CurrentRegimeMemory).Methods("GET")
	api.HandleFunc("/regime-memory/schema", s.handlers.RegimeMemorySchema).Methods("GET")
	api.HandleFunc("/regime-memory/timeline", s.handlers.RegimeMemoryTimeline).Methods("GET")
	api.HandleFunc("/regime-memory/recompute", s.handlers.RecomputeRegimeMemory).Methods("POST")

	api.HandleFunc("/calibration/run", s.handlers.RunCalibration).Methods("POST")
	api.HandleFunc("/calibration/weights", s.handlers.CalibrationWeights).Methods("GET")

	api.HandleFunc("/evaluate", s.handlers.Evaluate).Methods("POST")
	api.HandleFunc("/shadow/audit", s.handlers.ShadowAudit).Methods("GET")
	api.HandleFunc("/shadow/check", s.handlers.ShadowCheck).Methods("POST")
	api.HandleFunc("/shadow/promote", s.handlers.ShadowPromote).Methods("POST")
	api.HandleFunc("/governance/events", s.handlers.GovernanceEvents).Methods("GET")

	api.HandleFunc("/sim/run", s.handlers.RunSimulation).Methods("POST")
	api.HandleFunc("/health", s.handlers.GovernanceHealth).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Handler returns the configured router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start binds the listener and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info().Str("addr", s.Addr()).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures the status code for access logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
