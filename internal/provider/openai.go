package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/circuitbreaker"
	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/metrics"
	"github.com/strandlabs/chatstream/internal/tracing"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter streams completions from the OpenAI Chat Completions API.
type OpenAIAdapter struct {
	http    *circuitbreaker.HTTPWrapper
	baseURL string
	logger  *zap.Logger
}

// NewOpenAIAdapter builds the adapter. baseURL is overridable for tests and
// for OpenAI-compatible gateways.
func NewOpenAIAdapter(baseURL string, client *http.Client, logger *zap.Logger) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIAdapter{
		http:    circuitbreaker.NewHTTPWrapper(client, "openai", "provider", logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

func (o *OpenAIAdapter) Name() string { return "openai" }

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Stream opens the SSE call. stream_options.include_usage makes the final
// usage arrive as a trailing chunk before [DONE].
func (o *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if req.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthMissing, "no API key for openai")
	}
	messages := filterEmpty(req.Messages)
	if len(messages) == 0 {
		return nil, errdefs.New(errdefs.KindInternal, "no non-empty messages to send")
	}
	if req.System != "" {
		messages = append([]ChatMessage{{Role: "system", Content: req.System}}, messages...)
	}

	body := map[string]interface{}{
		"model":          req.Model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse("openai", resp, readErrorBody(resp))
	}

	out := make(chan Chunk)
	go o.pump(ctx, resp.Body, out, time.Now())
	return out, nil
}

func (o *OpenAIAdapter) pump(ctx context.Context, body io.ReadCloser, out chan<- Chunk, started time.Time) {
	defer close(out)
	defer body.Close()

	scanner := newSSEScanner(body)
	var promptTokens, completionTokens *int
	var finishReason string
	firstDelta := true

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		data := scanner.Data()
		if data == "[DONE]" {
			if finishReason == "" {
				finishReason = "stop"
			}
			emit(ctx, out, Chunk{
				Done:             true,
				FinishReason:     finishReason,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			})
			return
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		// The usage chunk has no choices.
		if chunk.Usage != nil {
			promptTokens = &chunk.Usage.PromptTokens
			completionTokens = &chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if firstDelta {
				metrics.ProviderFirstDelta.WithLabelValues("openai").Observe(time.Since(started).Seconds())
				firstDelta = false
			}
			if !emit(ctx, out, Chunk{Delta: choice.Delta.Content}) {
				return
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, out, Chunk{Err: classifyTransport("openai", err)})
		return
	}
	metrics.ProviderErrors.WithLabelValues("openai", string(errdefs.KindProviderUnavailable)).Inc()
	emit(ctx, out, Chunk{Err: errdefs.New(errdefs.KindProviderUnavailable, "openai stream ended before completion")})
}
