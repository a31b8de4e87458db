package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/events"
)

// handleEvents replays the durable event log over SSE and follows it live
// until the current message reaches a terminal event or the stream idles out.
// The cursor comes from the Last-Event-ID header (reconnecting EventSource
// clients send it automatically) or the from query param; the header wins.
// GET /api/v1/chats/{convID}/events?from=<cursor>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.owner(w, r)
	if !ok {
		return
	}
	convID := r.PathValue("convID")

	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("from")
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}
	fmt.Fprintf(w, ": connected to conversation %s\n\n", convID)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The subscriber blocks inside reads between events, so heartbeats come
	// from a side goroutine sharing the response writer under a lock.
	var mu sync.Mutex
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb := time.NewTicker(heartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				mu.Lock()
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
				mu.Unlock()
			}
		}
	}()

	err := s.svc.Listen(ctx, ownerID, convID, cursor, func(ev events.StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		writeSSEEvent(w, ev)
		flusher.Flush()
		return nil
	})

	// The heartbeat goroutine must be gone before the handler returns and
	// the response writer goes out of service.
	cancel()
	<-hbDone

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("Event stream failed",
			zap.String("conversation_id", convID),
			zap.Error(err))
		mu.Lock()
		writeSSEError(w, err)
		flusher.Flush()
		mu.Unlock()
	}
}
