package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/auth"
	"github.com/quorumhq/quorum/internal/model"
	"github.com/quorumhq/quorum/internal/service/decisions"
	"github.com/quorumhq/quorum/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	decisionSvc         *decisions.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	DecisionSvc         *decisions.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		decisionSvc:         d.DecisionSvc,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// Burn the same time as a real verification so response timing
		// does not reveal whether the email exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, "authenticated", model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

// HandleRegister handles POST /auth/register (admin-only).
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "email, name, and password are required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleMember
	}
	if !model.ValidRole(role) {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown role %q", role))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to create user")
		return
	}

	user, err := h.db.CreateUser(r.Context(), model.User{
		ID:           uuid.New(),
		Email:        req.Email,
		Name:         req.Name,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			writeError(w, r, http.StatusConflict, "email already registered")
			return
		}
		h.logger.Error("create user", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, r, http.StatusCreated, "user created", user)
}

// HandleSubscribe handles GET /v1/subscribe, streaming decision change
// events over SSE.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, status, resp)
}

// SeedAdmin creates the initial admin user if the users table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, email, password string) error {
	count, err := h.db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count users: %w", err)
	}
	if count > 0 {
		h.logger.Info("users table not empty, skipping admin seed")
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("seed admin: QUORUM_ADMIN_EMAIL and QUORUM_ADMIN_PASSWORD are empty and no users exist; set both to bootstrap initial admin access")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("seed admin: hash password: %w", err)
	}

	_, err = h.db.CreateUser(ctx, model.User{
		ID:           uuid.New(),
		Email:        strings.ToLower(email),
		Name:         "System Admin",
		Role:         model.RoleAdmin,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user", "email", email)
	return nil
}

// --- Shared helpers ---

func parsePathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
