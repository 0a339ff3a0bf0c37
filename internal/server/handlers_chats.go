package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/model"
)

// HandleCreateChat handles POST /v1/chats.
func (h *Handlers) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req model.CreateChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}

	chat, err := h.db.CreateChat(r.Context(), model.Chat{
		ID:        uuid.New(),
		Title:     req.Title,
		CreatedBy: userIDFromContext(r.Context()),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "create chat")
		return
	}

	writeJSON(w, r, http.StatusCreated, "chat created", chat)
}

// HandleListChats handles GET /v1/chats.
func (h *Handlers) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.db.ListChats(r.Context(), queryLimit(r, 50), queryOffset(r))
	if err != nil {
		h.writeServiceError(w, r, err, "list chats")
		return
	}

	writeJSON(w, r, http.StatusOK, "chats listed", model.ChatListPayload{Chats: chats})
}

// HandleGetChat handles GET /v1/chats/{id}.
func (h *Handlers) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.db.GetChat(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "get chat")
		return
	}

	writeJSON(w, r, http.StatusOK, "chat fetched", chat)
}
