package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strandlabs/chatstream/internal/errdefs"
)

func sseHandler(t *testing.T, lines []string, verify func(r *http.Request)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if verify != nil {
			verify(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("timed out waiting for stream chunks")
		}
	}
}

func TestAnthropicStream(t *testing.T) {
	lines := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}

	server := httptest.NewServer(sseHandler(t, lines, func(r *http.Request) {
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-3-5-haiku", body["model"])
		assert.Equal(t, true, body["stream"])
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter(server.URL, server.Client(), zaptest.NewLogger(t))
	ch, err := adapter.Stream(context.Background(), Request{
		Model:     "claude-3-5-haiku",
		MaxTokens: 1024,
		APIKey:    "key-123",
		Messages:  []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)

	final := chunks[2]
	assert.True(t, final.Done)
	assert.NoError(t, final.Err)
	assert.Equal(t, "end_turn", final.FinishReason)
	require.NotNil(t, final.PromptTokens)
	assert.Equal(t, 9, *final.PromptTokens)
	require.NotNil(t, final.CompletionTokens)
	assert.Equal(t, 5, *final.CompletionTokens)
}

func TestAnthropicStreamAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"authentication_error"}}`)
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter(server.URL, server.Client(), zaptest.NewLogger(t))
	_, err := adapter.Stream(context.Background(), Request{
		Model:    "claude-3-5-haiku",
		APIKey:   "bad-key",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthInvalid))
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	lines := []string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}`,
		``,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		``,
	}
	server := httptest.NewServer(sseHandler(t, lines, nil))
	defer server.Close()

	adapter := NewAnthropicAdapter(server.URL, server.Client(), zaptest.NewLogger(t))
	ch, err := adapter.Stream(context.Background(), Request{
		Model:    "claude-3-5-haiku",
		APIKey:   "key-123",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "par", chunks[0].Delta)
	require.Error(t, chunks[1].Err)
	assert.True(t, errdefs.IsKind(chunks[1].Err, errdefs.KindProviderUnavailable))
}

func TestAnthropicStreamTruncated(t *testing.T) {
	lines := []string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}`,
		``,
	}
	server := httptest.NewServer(sseHandler(t, lines, nil))
	defer server.Close()

	adapter := NewAnthropicAdapter(server.URL, server.Client(), zaptest.NewLogger(t))
	ch, err := adapter.Stream(context.Background(), Request{
		Model:    "claude-3-5-haiku",
		APIKey:   "key-123",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "par", chunks[0].Delta)
	require.Error(t, chunks[1].Err)
	assert.True(t, errdefs.IsKind(chunks[1].Err, errdefs.KindProviderUnavailable))
	assert.False(t, chunks[1].Done)
}

func TestAnthropicStreamPreconditions(t *testing.T) {
	adapter := NewAnthropicAdapter("http://localhost:1", nil, zaptest.NewLogger(t))

	_, err := adapter.Stream(context.Background(), Request{
		Model:    "claude-3-5-haiku",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthMissing))

	_, err = adapter.Stream(context.Background(), Request{
		Model:    "claude-3-5-haiku",
		APIKey:   "key-123",
		Messages: []ChatMessage{{Role: "user", Content: "  "}},
	})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInternal))
}
