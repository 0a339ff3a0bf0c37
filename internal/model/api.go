package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-controlled text fields. These keep a single
// oversized field from filling Postgres TEXT columns with garbage.
const (
	MaxTitleLen       = 500
	MaxQuestionLen    = 2000
	MaxOptionLabelLen = 500
	MaxContextLen     = 8 * 1024
	MaxReasonLen      = 200
	MaxDescriptionLen = 8 * 1024
	MaxResolutionLen  = 8 * 1024
)

// Envelope is the uniform response wrapper for every API response, success
// or failure. Errors carry success=false and a human-readable message; the
// status code duplicated in the body lets clients that only see the decoded
// payload still classify the outcome.
type Envelope struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"traceId,omitempty"`
}

// CreateDecisionRequest is the body for POST /v1/decisions.
type CreateDecisionRequest struct {
	ChatID uuid.UUID     `json:"chatId"`
	Title  string        `json:"title"`
	Value  DecisionValue `json:"value"`
	Reason string        `json:"reason"`
}

// UpdateDecisionRequest is the body for PATCH /v1/decisions/{id}.
// When ExpectedVersion is set, the update is conditional: the server rejects
// it with 409 if the stored version differs. When omitted, the update is
// applied unconditionally (last-write-wins) — intentional, see the service
// package doc.
type UpdateDecisionRequest struct {
	Value           DecisionValue `json:"value"`
	Reason          string        `json:"reason"`
	ExpectedVersion *int64        `json:"expectedVersion,omitempty"`
}

// LockDecisionRequest is the body for POST /v1/decisions/{id}/lock.
type LockDecisionRequest struct {
	Reason string `json:"reason"`
}

// RaiseConflictRequest is the body for POST /v1/decisions/{id}/conflicts.
type RaiseConflictRequest struct {
	ConflictType string `json:"conflictType"`
	Description  string `json:"description"`
}

// ResolveConflictRequest is the body for
// POST /v1/decisions/{id}/conflicts/{conflict_id}/resolve.
type ResolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

// DecisionListPayload wraps the list endpoint's response data.
type DecisionListPayload struct {
	Decisions []DecisionRecord `json:"decisions"`
}

// DecisionHistoryPayload wraps the history endpoint's response data.
type DecisionHistoryPayload struct {
	Versions []DecisionVersion `json:"versions"`
}

// DecisionConflictPayload wraps the conflicts endpoint's response data.
type DecisionConflictPayload struct {
	Conflicts []DecisionConflict `json:"conflicts"`
}

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// RegisterUserRequest is the body for POST /auth/register (admin only).
type RegisterUserRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Role     UserRole `json:"role"`
}

// CreateChatRequest is the body for POST /v1/chats.
type CreateChatRequest struct {
	Title string `json:"title"`
}

// ChatListPayload wraps the chat list endpoint's response data.
type ChatListPayload struct {
	Chats []Chat `json:"chats"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sseBroker,omitempty"`
	Uptime    int64  `json:"uptimeSeconds"`
}
