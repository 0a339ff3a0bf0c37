package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/model"
	"github.com/quorumhq/quorum/internal/storage"
)

// HandleListDecisions handles GET /v1/decisions?chatId=&limit=&offset=.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	chatIDStr := r.URL.Query().Get("chatId")
	if chatIDStr == "" {
		writeError(w, r, http.StatusBadRequest, "chatId is required")
		return
	}
	chatID, err := uuid.Parse(chatIDStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid chatId: "+chatIDStr)
		return
	}

	records, err := h.decisionSvc.List(r.Context(), chatID, queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeServiceError(w, r, err, "list decisions")
		return
	}

	writeJSON(w, r, http.StatusOK, "decisions listed", model.DecisionListPayload{Decisions: records})
}

// HandleGetDecision handles GET /v1/decisions/{id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.decisionSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "get decision")
		return
	}

	writeJSON(w, r, http.StatusOK, "decision fetched", record)
}

// HandleCreateDecision handles POST /v1/decisions.
func (h *Handlers) HandleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	record, err := h.decisionSvc.Create(r.Context(), userIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err, "create decision")
		return
	}

	writeJSON(w, r, http.StatusCreated, "decision created", record)
}

// HandleUpdateDecision handles PATCH /v1/decisions/{id}.
//
// A stale expectedVersion is reported as 409 and a locked decision as 423,
// so that client retry policies fire only on true version conflicts.
func (h *Handlers) HandleUpdateDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req model.UpdateDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	record, err := h.decisionSvc.Update(r.Context(), id, userIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err, "update decision")
		return
	}

	writeJSON(w, r, http.StatusOK, "decision updated", record)
}

// HandleLockDecision handles POST /v1/decisions/{id}/lock.
func (h *Handlers) HandleLockDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req model.LockDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	record, err := h.decisionSvc.Lock(r.Context(), id, userIDFromContext(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, "lock decision")
		return
	}

	writeJSON(w, r, http.StatusOK, "decision locked", record)
}

// HandleUnlockDecision handles POST /v1/decisions/{id}/unlock.
func (h *Handlers) HandleUnlockDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.decisionSvc.Unlock(r.Context(), id, userIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "unlock decision")
		return
	}

	writeJSON(w, r, http.StatusOK, "decision unlocked", record)
}

// HandleDecisionHistory handles GET /v1/decisions/{id}/history.
func (h *Handlers) HandleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	versions, err := h.decisionSvc.History(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "decision history")
		return
	}

	writeJSON(w, r, http.StatusOK, "history fetched", model.DecisionHistoryPayload{Versions: versions})
}

// HandleListConflicts handles GET /v1/decisions/{id}/conflicts.
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conflicts, err := h.decisionSvc.ListConflicts(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "list conflicts")
		return
	}

	writeJSON(w, r, http.StatusOK, "conflicts listed", model.DecisionConflictPayload{Conflicts: conflicts})
}

// HandleRaiseConflict handles POST /v1/decisions/{id}/conflicts.
func (h *Handlers) HandleRaiseConflict(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req model.RaiseConflictRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	conflict, err := h.decisionSvc.RaiseConflict(r.Context(), id, userIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err, "raise conflict")
		return
	}

	writeJSON(w, r, http.StatusCreated, "conflict raised", conflict)
}

// HandleResolveConflict handles POST /v1/decisions/{id}/conflicts/{conflictId}/resolve.
func (h *Handlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	conflictID, err := parsePathID(r, "conflictId")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ResolveConflictRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	conflict, err := h.decisionSvc.ResolveConflict(r.Context(), id, conflictID, userIDFromContext(r.Context()), req.Resolution)
	if err != nil {
		h.writeServiceError(w, r, err, "resolve conflict")
		return
	}

	writeJSON(w, r, http.StatusOK, "conflict resolved", conflict)
}

// writeServiceError maps service and storage errors onto HTTP status codes.
// 409 is reserved for version conflicts and already-resolved conflicts; a
// locked decision maps to 423 so conflict-retry clients do not retry it.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "version conflict: decision was modified by another writer")
	case errors.Is(err, storage.ErrLocked):
		writeError(w, r, http.StatusLocked, "decision is locked")
	case errors.Is(err, storage.ErrConflictResolved):
		writeError(w, r, http.StatusConflict, "conflict is already resolved")
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(op, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
