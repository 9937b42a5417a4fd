// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	TimeSource
	SessionDependencies
	DiagnosticsSubmitter
	StatsProvider

	// Relay is the pub/sub hub served on /relay.
	Relay() relay.PubSub
}

// Option configures a Server.
type Option func(*Server)

// WithAuthToken requires a bearer token on every route except the health
// probe and API docs.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithLogger sets the logger passed to the relay handler.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the sync API.
type Server struct {
	authToken string
	logger    logger.Logger

	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	timeHandler        *TimeHandler
	sessionsHandler    *SessionsHandler
	diagnosticsHandler *DiagnosticsHandler
	relayHandler       http.Handler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.timeHandler = NewTimeHandler(deps)
	s.sessionsHandler = NewSessionsHandler(deps)
	s.diagnosticsHandler = NewDiagnosticsHandler(deps)
	s.relayHandler = relay.NewHandler(deps.Relay(),
		relay.WithAuthToken(s.authToken),
		relay.WithServerLogger(s.logger.Named("relay")),
	)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	auth := func(h http.HandlerFunc) http.HandlerFunc { return AuthMiddleware(s.authToken, h) }

	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(auth(s.statsHandler.HandleStats), "stats"))
	mux.HandleFunc("GET /time", MetricsMiddleware(auth(s.timeHandler.HandleTime), "time"))
	mux.HandleFunc("POST /sessions", MetricsMiddleware(auth(s.sessionsHandler.HandleCreate), "sessions"))
	mux.HandleFunc("GET /sessions/{id}", MetricsMiddleware(auth(s.sessionsHandler.HandleGet), "session"))
	mux.HandleFunc("POST /sessions/{id}/participants", MetricsMiddleware(auth(s.sessionsHandler.HandleJoin), "participants"))
	mux.HandleFunc("DELETE /sessions/{id}/participants/{client}", MetricsMiddleware(auth(s.sessionsHandler.HandleLeave), "participant"))
	mux.HandleFunc("POST /diagnostics", MetricsMiddleware(auth(s.diagnosticsHandler.HandlePostDiagnostics), "diagnostics"))
	mux.HandleFunc("GET /relay", MetricsMiddleware(s.relayHandler.ServeHTTP, "relay"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
