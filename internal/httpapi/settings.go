package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handleModels lists the model catalog in file order.
// GET /api/v1/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": s.svc.Models()})
}

type putCredentialRequest struct {
	APIKey string `json:"apiKey"`
}

// handlePutCredential stores the caller's own provider API key. Streams for
// this owner use it instead of the service key and skip free-tier limits.
// PUT /api/v1/credentials/{provider}
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	provider := r.PathValue("provider")

	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		http.Error(w, `{"error":"apiKey is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.svc.SetCredential(r.Context(), ownerID, provider, req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stored", "provider": provider})
}

// handleDeleteCredential removes a stored key. Idempotent.
// DELETE /api/v1/credentials/{provider}
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	provider := r.PathValue("provider")
	if err := s.svc.RemoveCredential(r.Context(), ownerID, provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "provider": provider})
}

type putDefaultModelRequest struct {
	ModelID string `json:"modelId"`
}

// handlePutDefaultModel sets the caller's default model for conversations
// without a pinned one. An empty id clears it back to the catalog fallback.
// PUT /api/v1/settings/model
func (s *Server) handlePutDefaultModel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req putDefaultModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := s.svc.SetOwnerDefaultModel(r.Context(), ownerID, req.ModelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}
