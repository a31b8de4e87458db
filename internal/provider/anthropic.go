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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicAdapter streams completions from the Anthropic Messages API.
type AnthropicAdapter struct {
	http    *circuitbreaker.HTTPWrapper
	baseURL string
	logger  *zap.Logger
}

// NewAnthropicAdapter builds the adapter. baseURL is overridable for tests;
// a nil client gets the wrapper's long-timeout default.
func NewAnthropicAdapter(baseURL string, client *http.Client, logger *zap.Logger) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicAdapter{
		http:    circuitbreaker.NewHTTPWrapper(client, "anthropic", "provider", logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream opens the SSE call. Request building, auth, and non-200 responses
// fail here; after a 200 the stream is consumed by a goroutine.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if req.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthMissing, "no API key for anthropic")
	}
	messages := filterEmpty(req.Messages)
	if len(messages) == 0 {
		return nil, errdefs.New(errdefs.KindInternal, "no non-empty messages to send")
	}

	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("x-api-key", req.APIKey)
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse("anthropic", resp, readErrorBody(resp))
	}

	out := make(chan Chunk)
	go a.pump(ctx, resp.Body, out, time.Now())
	return out, nil
}

// pump translates Anthropic SSE events into chunks. Usage arrives split
// across message_start (input) and message_delta (output).
func (a *AnthropicAdapter) pump(ctx context.Context, body io.ReadCloser, out chan<- Chunk, started time.Time) {
	defer close(out)
	defer body.Close()

	scanner := newSSEScanner(body)
	var promptTokens, completionTokens int
	var stopReason string
	firstDelta := true

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		data := scanner.Data()

		var baseEvent struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &baseEvent); err != nil {
			continue
		}

		switch baseEvent.Type {
		case "message_start":
			var event struct {
				Message *struct {
					Usage *anthropicUsage `json:"usage,omitempty"`
				} `json:"message,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &event); err == nil {
				if event.Message != nil && event.Message.Usage != nil {
					promptTokens = event.Message.Usage.InputTokens
				}
			}

		case "content_block_delta":
			var event struct {
				Delta *struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if event.Delta == nil || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if firstDelta {
				metrics.ProviderFirstDelta.WithLabelValues("anthropic").Observe(time.Since(started).Seconds())
				firstDelta = false
			}
			if !emit(ctx, out, Chunk{Delta: event.Delta.Text}) {
				return
			}

		case "message_delta":
			var event struct {
				Delta *struct {
					StopReason string `json:"stop_reason,omitempty"`
				} `json:"delta,omitempty"`
				Usage *anthropicUsage `json:"usage,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &event); err == nil {
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					completionTokens = event.Usage.OutputTokens
				}
			}

		case "message_stop":
			if stopReason == "" {
				stopReason = "end_turn"
			}
			emit(ctx, out, Chunk{
				Done:             true,
				FinishReason:     stopReason,
				PromptTokens:     &promptTokens,
				CompletionTokens: &completionTokens,
			})
			return

		case "error":
			var event struct {
				Error *struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error,omitempty"`
			}
			message := "provider reported a stream error"
			if err := json.Unmarshal([]byte(data), &event); err == nil && event.Error != nil {
				message = event.Error.Message
			}
			metrics.ProviderErrors.WithLabelValues("anthropic", string(errdefs.KindProviderUnavailable)).Inc()
			emit(ctx, out, Chunk{Err: errdefs.New(errdefs.KindProviderUnavailable, "anthropic: "+message)})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, out, Chunk{Err: classifyTransport("anthropic", err)})
		return
	}
	// EOF without message_stop: the stream was cut mid-flight.
	metrics.ProviderErrors.WithLabelValues("anthropic", string(errdefs.KindProviderUnavailable)).Inc()
	emit(ctx, out, Chunk{Err: errdefs.New(errdefs.KindProviderUnavailable, "anthropic stream ended before completion")})
}
