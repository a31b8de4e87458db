// Package httpapi exposes the chat service over HTTP: JSON endpoints for
// conversation management and SSE/WebSocket endpoints for live and replayed
// message streams. Authentication happens upstream; handlers trust the owner
// id injected by the fronting gateway.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/chat"
	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/events"
)

// OwnerHeader carries the caller identity set by the fronting gateway.
const OwnerHeader = "X-Owner-ID"

const heartbeatInterval = 15 * time.Second

// Server routes HTTP traffic onto the chat service.
type Server struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewServer(svc *chat.Service, logger *zap.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chats/stream", s.handleSendStream)
	mux.HandleFunc("GET /api/v1/chats", s.handleListChats)
	mux.HandleFunc("GET /api/v1/chats/{convID}", s.handleGetChat)
	mux.HandleFunc("PATCH /api/v1/chats/{convID}", s.handleUpdateChat)
	mux.HandleFunc("DELETE /api/v1/chats/{convID}", s.handleDeleteChat)
	mux.HandleFunc("POST /api/v1/chats/{convID}/abort", s.handleAbort)
	mux.HandleFunc("GET /api/v1/chats/{convID}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/v1/chats/{convID}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/chats/{convID}/ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("PUT /api/v1/credentials/{provider}", s.handlePutCredential)
	mux.HandleFunc("DELETE /api/v1/credentials/{provider}", s.handleDeleteCredential)
	mux.HandleFunc("PUT /api/v1/settings/model", s.handlePutDefaultModel)
}

// NewHTTPServer wraps the handler in a server tuned for streaming responses:
// SSE and WebSocket connections stay open indefinitely, so there is no write
// timeout and liveness is handled by heartbeats instead.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// owner extracts the caller identity, answering 401 when it is missing.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "missing " + OwnerHeader + " header",
			"kind":  string(errdefs.KindAuthMissing),
		})
		return "", false
	}
	return id, true
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error onto an HTTP status and a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusTooManyRequests {
		if d := errdefs.RetryAfterOf(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeJSON(w, status, map[string]any{
		"error": sanitizeErr(err.Error()),
		"kind":  string(errdefs.KindOf(err)),
	})
}

func statusOf(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindAuthMissing, errdefs.KindAuthInvalid:
		return http.StatusUnauthorized
	case errdefs.KindRateLimited:
		return http.StatusTooManyRequests
	case errdefs.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case errdefs.KindModelNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

// sseHeaders prepares a response for Server-Sent Events and returns the
// flusher, or false when the ResponseWriter cannot stream.
func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

// writeSSEEvent writes one event in SSE framing. The id line carries the log
// cursor when the event came from the durable log; live bridge events have no
// cursor yet and omit it.
func writeSSEEvent(w io.Writer, ev events.StreamEvent) {
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{"error":"encode failed"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// writeSSEError surfaces a stream failure as a terminal error frame.
func writeSSEError(w io.Writer, err error) {
	data, _ := json.Marshal(map[string]string{
		"error": sanitizeErr(err.Error()),
		"kind":  string(errdefs.KindOf(err)),
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
