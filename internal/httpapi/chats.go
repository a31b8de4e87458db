package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/chat"
)

// handleListChats lists the caller's conversations, newest first.
// GET /api/v1/chats
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	chats, err := s.svc.ListChats(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// handleGetChat returns one conversation, or 404 when the caller does not
// own one by that id.
// GET /api/v1/chats/{convID}
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	c, err := s.svc.GetChat(r.Context(), ownerID, r.PathValue("convID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateChatRequest struct {
	DefaultModelID *string `json:"defaultModelId"`
}

// handleUpdateChat pins or clears the conversation's default model. An empty
// string clears the pin.
// PATCH /api/v1/chats/{convID}
func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")

	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.DefaultModelID == nil {
		http.Error(w, `{"error":"defaultModelId is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.svc.SetChatDefaultModel(r.Context(), ownerID, convID, *req.DefaultModelID); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.GetChat(r.Context(), ownerID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleDeleteChat soft-deletes a conversation, aborting any live stream
// first.
// DELETE /api/v1/chats/{convID}
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")
	if err := s.svc.DeleteChat(r.Context(), ownerID, convID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "convId": convID})
}

// handleAbort requests a stop for the conversation's active stream. Success
// reports whether a stream was actually signaled; aborting an idle
// conversation is a no-op, not an error.
// POST /api/v1/chats/{convID}/abort
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")

	aborted, err := s.svc.AbortStream(r.Context(), ownerID, convID)
	if err != nil {
		s.logger.Error("Abort failed",
			zap.String("conversation_id", convID),
			zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": aborted})
}

// handleGetMessages pages through terminal messages. The cursor is the
// syncDate of a previous page (RFC 3339); direction selects which side of it
// to read.
// GET /api/v1/chats/{convID}/messages?limit=&cursor=&direction=
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	var cursor *time.Time
	if v := q.Get("cursor"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, `{"error":"invalid cursor, want RFC 3339"}`, http.StatusBadRequest)
			return
		}
		cursor = &t
	}

	direction := chat.Direction(q.Get("direction"))
	switch direction {
	case "", chat.DirectionBackward, chat.DirectionForward:
	default:
		http.Error(w, `{"error":"direction must be backward or forward"}`, http.StatusBadRequest)
		return
	}

	page, err := s.svc.GetMessages(r.Context(), ownerID, convID, cursor, direction, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
