package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tidesk/tidesk/internal/chat"
	"github.com/tidesk/tidesk/internal/log"
	"github.com/tidesk/tidesk/internal/store"
)

// maxChatBodySize bounds the chat request body.
const maxChatBodySize = 1 << 20 // 1MB

// Chatter answers one retrieval-augmented chat turn.
type Chatter interface {
	Turn(ctx context.Context, req chat.Request) (chat.Response, error)
}

type chatHandler struct {
	chat   Chatter
	logger log.Logger
}

type chatRequest struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id,omitempty"`
	Message  string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// send handles POST /api/v1/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", h.logger)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", h.logger)
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id", h.logger)
		return
	}

	turn := chat.Request{TenantID: tenantID, Message: req.Message}
	if req.AgentID != "" {
		agentID, err := uuid.Parse(req.AgentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid agent id", h.logger)
			return
		}
		turn.AgentID = &agentID
	}

	resp, err := h.chat.Turn(r.Context(), turn)
	if err != nil {
		writeError(w, chatStatus(err), err.Error(), h.logger)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Reply: resp.Reply}, h.logger)
}

// chatStatus maps chat-turn failures onto HTTP status codes.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmbedding), errors.Is(err, chat.ErrGeneration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
