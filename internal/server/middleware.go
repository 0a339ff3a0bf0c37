// Package server implements the HTTP API server for Quorum.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/internal/auth"
	"github.com/quorumhq/quorum/internal/model"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyClaims    contextKey = "claims"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(contextKeyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// userIDFromContext returns the authenticated user's id, or uuid.Nil.
func userIDFromContext(ctx context.Context) uuid.UUID {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets baseline security headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			attrs = append(attrs, "user_id", claims.Subject)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer,
// which the SSE handler needs for flushing and deadline control.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	tracer    = otel.Tracer("quorum/http")
	httpMeter = otel.GetMeterProvider().Meter("quorum/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		statusStr := strconv.Itoa(wrapped.statusCode)

		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.statusCode),
		)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", statusStr),
		}

		if claims := ClaimsFromContext(ctx); claims != nil {
			span.SetAttributes(
				attribute.String("quorum.user_id", claims.Subject),
				attribute.String("quorum.role", string(claims.Role)),
			)
			attrs = append(attrs, attribute.String("quorum.user_id", claims.Subject))
		}

		// Record metrics (best-effort, instruments lazily created).
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// authMiddleware validates JWT tokens and populates context with claims.
// Skips auth for paths that don't require it (e.g., /health, /auth/token).
func authMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Paths that don't require auth.
		if r.URL.Path == "/health" || r.URL.Path == "/auth/token" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := jwtMgr.ValidateToken(parts[1])
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that enforces a minimum role.
func requireRole(min model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, "no claims in context")
				return
			}
			if !model.RoleAtLeast(claims.Role, min) {
				writeError(w, r, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware converts panics into 500 responses and logs the stack.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a success response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	writeEnvelope(w, r, status, true, message, data)
}

// writeError writes an error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeEnvelope(w, r, status, false, message, nil)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, success bool, message string, data any) {
	traceID := traceIDFromContext(r.Context())
	if traceID == "" {
		traceID = RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Envelope{
		Success:    success,
		StatusCode: status,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		TraceID:    traceID,
	})
}

// decodeJSON decodes a JSON request body into the target struct, rejecting
// unknown fields and bodies larger than maxBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError maps a JSON decode failure to a client error response.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, "request body is required")
	default:
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
	}
}
