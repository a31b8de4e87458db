package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/bridge"
	"github.com/strandlabs/chatstream/internal/events"
)

// sendStreamRequest is the payload for starting a message stream. ConvID is
// optional; an empty one starts a fresh conversation.
type sendStreamRequest struct {
	ConvID  string `json:"convId,omitempty"`
	Content string `json:"content"`
	ModelID string `json:"modelId,omitempty"`
}

// handleSendStream starts a producer and relays its isolated event stream as
// SSE. Errors before the first event map to HTTP statuses; once streaming has
// begun, failures arrive as a terminal error frame instead.
// POST /api/v1/chats/stream
func (s *Server) handleSendStream(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req sendStreamRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
		return
	}

	stream, err := s.svc.SendWithStream(r.Context(), ownerID, req.ConvID, req.Content, req.ModelID)
	if err != nil {
		s.logger.Warn("Send rejected",
			zap.String("owner_id", ownerID),
			zap.String("conversation_id", req.ConvID),
			zap.Error(err))
		writeError(w, err)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		// The producer already runs; without a consumer it still finishes
		// the durable log and the store row on its own.
		return
	}

	convID := stream.Message.ChatID
	fmt.Fprintf(w, ": streaming conversation %s\n\n", convID)
	flusher.Flush()

	ctx := r.Context()
	frames := make(chan events.StreamEvent)
	pumpErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Events.Recv(ctx)
			if err != nil {
				pumpErr <- err
				return
			}
			select {
			case frames <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; the producer keeps draining on its own.
			s.logger.Info("SSE sender disconnected", zap.String("conversation_id", convID))
			return
		case err := <-pumpErr:
			if !errors.Is(err, bridge.ErrClosed) && ctx.Err() == nil {
				writeSSEError(w, err)
				flusher.Flush()
			}
			return
		case ev := <-frames:
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
