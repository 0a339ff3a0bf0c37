package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumhq/quorum/internal/auth"
	"github.com/quorumhq/quorum/internal/model"
	"github.com/quorumhq/quorum/internal/service/decisions"
	"github.com/quorumhq/quorum/internal/storage"
)

// Server is the Quorum HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Broker is optional (nil = SSE disabled).
type ServerConfig struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	DecisionSvc *decisions.Service
	Broker      *Broker
	Logger      *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		DecisionSvc:         cfg.DecisionSvc,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoints. Token issuance requires no auth; registration is
	// admin-only.
	adminOnly := requireRole(model.RoleAdmin)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	mux.Handle("POST /auth/register", adminOnly(http.HandlerFunc(h.HandleRegister)))

	// Chats (member+).
	memberUp := requireRole(model.RoleMember)
	mux.Handle("POST /v1/chats", memberUp(http.HandlerFunc(h.HandleCreateChat)))
	mux.Handle("GET /v1/chats", memberUp(http.HandlerFunc(h.HandleListChats)))
	mux.Handle("GET /v1/chats/{id}", memberUp(http.HandlerFunc(h.HandleGetChat)))

	// Decisions (member+).
	mux.Handle("GET /v1/decisions", memberUp(http.HandlerFunc(h.HandleListDecisions)))
	mux.Handle("GET /v1/decisions/{id}", memberUp(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("POST /v1/decisions", memberUp(http.HandlerFunc(h.HandleCreateDecision)))
	mux.Handle("PATCH /v1/decisions/{id}", memberUp(http.HandlerFunc(h.HandleUpdateDecision)))
	mux.Handle("GET /v1/decisions/{id}/history", memberUp(http.HandlerFunc(h.HandleDecisionHistory)))

	// Locking (moderator+). Locks override expected versions, so gating
	// them to moderators keeps members inside the optimistic flow.
	modUp := requireRole(model.RoleModerator)
	mux.Handle("POST /v1/decisions/{id}/lock", modUp(http.HandlerFunc(h.HandleLockDecision)))
	mux.Handle("POST /v1/decisions/{id}/unlock", modUp(http.HandlerFunc(h.HandleUnlockDecision)))

	// Conflicts (raise: member+, resolve: moderator+).
	mux.Handle("GET /v1/decisions/{id}/conflicts", memberUp(http.HandlerFunc(h.HandleListConflicts)))
	mux.Handle("POST /v1/decisions/{id}/conflicts", memberUp(http.HandlerFunc(h.HandleRaiseConflict)))
	mux.Handle("POST /v1/decisions/{id}/conflicts/{conflictId}/resolve", modUp(http.HandlerFunc(h.HandleResolveConflict)))

	// Subscription endpoint (member+, no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", memberUp(http.HandlerFunc(h.HandleSubscribe)))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
