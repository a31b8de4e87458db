package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// handleWS is the WebSocket variant of the event stream: replay from the
// from cursor, then follow until the message completes or the stream idles.
// Each event goes out as one JSON text message.
// GET /api/v1/chats/{convID}/ws?from=<cursor>
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")
	cursor := r.URL.Query().Get("from")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: discard client messages, notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Ping pump. WriteControl is safe alongside the WriteJSON calls below.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = s.svc.Listen(ctx, ownerID, convID, cursor, func(ev events.StreamEvent) error {
		return conn.WriteJSON(ev)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("WebSocket stream failed",
			zap.String("conversation_id", convID),
			zap.Error(err))
		_ = conn.WriteJSON(map[string]string{"error": sanitizeErr(err.Error())})
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
