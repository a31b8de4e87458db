// Package events defines the stream event vocabulary shared by the producer,
// the event log, subscribers, and the transport layer. Every event is scoped
// to one conversation and serializes to the tagged JSON wire form.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags the wire form of an event.
type Type string

const (
	TypeMessageStart    Type = "messageStart"
	TypeAgentChunk      Type = "agentChunk"
	TypeMessageComplete Type = "messageComplete"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusStarted   Status = "Started"
	StatusStreaming Status = "Streaming"
	StatusCompleted Status = "Completed"
	StatusAborted   Status = "Aborted"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether a message in this status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusFailed:
		return true
	default:
		return false
	}
}

// MessageSnapshot is the message view embedded in messageStart and
// messageComplete events. AgentContent and FinishedAt serialize as explicit
// nulls while the message is non-terminal.
type MessageSnapshot struct {
	ID               string     `json:"id"`
	ConvID           string     `json:"convId"`
	UserContent      string     `json:"userContent"`
	AgentContent     *string    `json:"agentContent"`
	Status           Status     `json:"status"`
	ModelID          string     `json:"modelId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinishedAt       *time.Time `json:"finishedAt"`
	PromptTokens     *int       `json:"promptTokens,omitempty"`
	CompletionTokens *int       `json:"completionTokens,omitempty"`
	LatencyMS        *int64     `json:"latencyMs,omitempty"`
	ErrorReason      *string    `json:"errorReason,omitempty"`
}

// StreamEvent is one entry of a conversation's event log.
//
// ID is the cursor assigned by the log on append. It is empty until the
// entry lands, so stored payloads never carry it; events read back from the
// log serialize it for clients to resume from.
type StreamEvent struct {
	ID        string           `json:"id,omitempty"`
	Type      Type             `json:"type"`
	ConvID    string           `json:"convId"`
	Message   *MessageSnapshot `json:"message,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	Chunk     string           `json:"chunk,omitempty"`
}

// MessageStart builds the first event of a message lifecycle.
func MessageStart(snap MessageSnapshot) StreamEvent {
	return StreamEvent{Type: TypeMessageStart, ConvID: snap.ConvID, Message: &snap}
}

// AgentChunk builds one delta event in provider delivery order.
func AgentChunk(convID, messageID, delta string) StreamEvent {
	return StreamEvent{Type: TypeAgentChunk, ConvID: convID, MessageID: messageID, Chunk: delta}
}

// MessageComplete builds the terminal event carrying the final snapshot.
func MessageComplete(snap MessageSnapshot) StreamEvent {
	return StreamEvent{Type: TypeMessageComplete, ConvID: snap.ConvID, Message: &snap}
}

// Marshal returns the JSON wire form for SSE payloads and log values.
func (e StreamEvent) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Parse decodes a wire payload back into a StreamEvent.
func Parse(data []byte) (StreamEvent, error) {
	var e StreamEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return StreamEvent{}, fmt.Errorf("parse stream event: %w", err)
	}
	switch e.Type {
	case TypeMessageStart, TypeMessageComplete:
		if e.Message == nil {
			return StreamEvent{}, fmt.Errorf("parse stream event: %s without message snapshot", e.Type)
		}
	case TypeAgentChunk:
		if e.MessageID == "" {
			return StreamEvent{}, fmt.Errorf("parse stream event: agentChunk without messageId")
		}
	default:
		return StreamEvent{}, fmt.Errorf("parse stream event: unknown type %q", e.Type)
	}
	return e, nil
}
