package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/chatstream/internal/events"
)

func TestEventsReplayFraming(t *testing.T) {
	env := newTestServer(t, &scriptedAdapter{name: "openai", chunks: helloScript()}, nil)
	convID := env.sendAndSettle(t, "owner-1", "", "replay me")

	resp := env.do(t, http.MethodGet, "/api/v1/chats/"+convID+"/events", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readAllSSE(t, resp)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0].comment, "connected")

	got := dataFrames(frames)
	require.Len(t, got, 4)
	assert.Equal(t, "messageStart", got[0].event)
	assert.Equal(t, "agentChunk", got[1].event)
	assert.Equal(t, "agentChunk", got[2].event)
	assert.Equal(t, "messageComplete", got[3].event)

	// Replayed frames carry the log cursor so clients can resume.
	seen := map[string]bool{}
	for _, f := range got {
		require.NotEmpty(t, f.id)
		assert.False(t, seen[f.id], "cursor %s repeated", f.id)
		seen[f.id] = true
	}

	var terminal events.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(got[3].data), &terminal))
	require.NotNil(t, terminal.Message)
	assert.Equal(t, events.StatusCompleted, terminal.Message.Status)
}

func TestEventsResumeFromCursor(t *testing.T) {
	env := newTestServer(t, &scriptedAdapter{name: "openai", chunks: helloScript()}, nil)
	convID := env.sendAndSettle(t, "owner-1", "", "resume me")

	full := dataFrames(readAllSSE(t,
		env.do(t, http.MethodGet, "/api/v1/chats/"+convID+"/events", "owner-1", nil)))
	require.Len(t, full, 4)

	t.Run("from query param", func(t *testing.T) {
		resp := env.do(t, http.MethodGet,
			"/api/v1/chats/"+convID+"/events?from="+full[1].id, "owner-1", nil)
		got := dataFrames(readAllSSE(t, resp))
		require.Len(t, got, 2)
		assert.Equal(t, full[2].id, got[0].id)
		assert.Equal(t, "messageComplete", got[1].event)
	})

	t.Run("header wins over query param", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet,
			env.ts.URL+"/api/v1/chats/"+convID+"/events?from="+full[2].id, nil)
		require.NoError(t, err)
		req.Header.Set(OwnerHeader, "owner-1")
		req.Header.Set("Last-Event-ID", full[0].id)

		resp, err := env.client.Do(req)
		require.NoError(t, err)
		got := dataFrames(readAllSSE(t, resp))

		// From full[0] the remaining lifecycle is three events; the query
		// param alone would have produced one.
		require.Len(t, got, 3)
		assert.Equal(t, full[1].id, got[0].id)
	})
}

func TestEventsForeignConversationIsSilent(t *testing.T) {
	env := newTestServer(t, &scriptedAdapter{name: "openai", chunks: helloScript()}, nil)
	convID := env.sendAndSettle(t, "owner-1", "", "private")

	resp := env.do(t, http.MethodGet, "/api/v1/chats/"+convID+"/events", "owner-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := dataFrames(readAllSSE(t, resp))
	assert.Empty(t, got, "a foreign conversation must replay nothing")
}
