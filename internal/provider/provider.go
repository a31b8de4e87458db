// Package provider adapts upstream LLM streaming APIs to a single chunk
// channel contract. Stream returns synchronously with any pre-stream error
// (bad request, auth, rate limit at the provider); after that the returned
// channel carries deltas and ends with exactly one terminal chunk, either
// Done or Err.
package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/metrics"
)

// ChatMessage is one turn of the conversation sent upstream.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a fully resolved streaming call: effective model, history, and
// the API key chosen by the producer (owner credential or service key).
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []ChatMessage
	APIKey    string
}

// Chunk is one step of a provider stream. Exactly one terminal chunk ends
// every stream: Done carries final usage, Err carries the classified failure.
type Chunk struct {
	Delta            string
	Done             bool
	Err              error
	FinishReason     string
	PromptTokens     *int
	CompletionTokens *int
}

// Adapter streams one completion from a concrete provider.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// filterEmpty drops messages with blank content. Providers reject them, and
// a conversation replayed from storage can legitimately contain one (an
// aborted reply with nothing accumulated).
func filterEmpty(messages []ChatMessage) []ChatMessage {
	filtered := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

// classifyResponse turns a non-200 provider response into a taxonomy error.
// The body is already read (and truncated) by the caller.
func classifyResponse(name string, resp *http.Response, body []byte) error {
	kind := errdefs.FromStatusCode(resp.StatusCode)
	metrics.ProviderErrors.WithLabelValues(name, string(kind)).Inc()

	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}

	if kind == errdefs.KindRateLimited {
		retryAfter := time.Duration(0)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return errdefs.RateLimited(retryAfter, name+" rate limited: "+detail)
	}

	return errdefs.Newf(kind, "%s returned status %d: %s", name, resp.StatusCode, detail)
}

// classifyTransport maps request-level failures: a canceled context is an
// abort, everything else means the provider was unreachable.
func classifyTransport(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Wrap(errdefs.KindAborted, err, name+" request canceled")
	}
	metrics.ProviderErrors.WithLabelValues(name, string(errdefs.KindProviderUnavailable)).Inc()
	return errdefs.Wrap(errdefs.KindProviderUnavailable, err, name+" request failed")
}

func readErrorBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return body
}

// emit delivers a chunk unless the consumer canceled. Producers cancel the
// stream context on every exit path, so a false return means stop pumping.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
