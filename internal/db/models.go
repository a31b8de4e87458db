package db

import (
	"time"

	"github.com/strandlabs/chatstream/internal/events"
)

// Chat is one conversation owned by a single user. Soft-deleted chats keep
// their rows but drop out of every read path.
type Chat struct {
	ID             string     `db:"id" json:"id"`
	OwnerID        string     `db:"owner_id" json:"ownerId"`
	Title          string     `db:"title" json:"title"`
	DefaultModelID *string    `db:"default_model_id" json:"defaultModelId,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
	DeletedAt      *time.Time `db:"deleted_at" json:"-"`
}

// Message is one user turn plus the agent's reply. Status follows
// Started -> Streaming -> {Completed, Aborted, Failed}; FinishedAt is set
// exactly when the status goes terminal and the row freezes.
type Message struct {
	ID               string        `db:"id" json:"id"`
	ChatID           string        `db:"chat_id" json:"convId"`
	UserContent      string        `db:"user_content" json:"userContent"`
	AgentContent     *string       `db:"agent_content" json:"agentContent"`
	Status           events.Status `db:"status" json:"status"`
	ModelID          string        `db:"model_id" json:"modelId"`
	PromptTokens     *int          `db:"prompt_tokens" json:"promptTokens,omitempty"`
	CompletionTokens *int          `db:"completion_tokens" json:"completionTokens,omitempty"`
	LatencyMS        *int64        `db:"latency_ms" json:"latencyMs,omitempty"`
	ErrorReason      *string       `db:"error_reason" json:"errorReason,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"createdAt"`
	FinishedAt       *time.Time    `db:"finished_at" json:"finishedAt"`
}

// Snapshot converts the row to the event-log view of the message.
func (m *Message) Snapshot() events.MessageSnapshot {
	return events.MessageSnapshot{
		ID:               m.ID,
		ConvID:           m.ChatID,
		UserContent:      m.UserContent,
		AgentContent:     m.AgentContent,
		Status:           m.Status,
		ModelID:          m.ModelID,
		CreatedAt:        m.CreatedAt,
		FinishedAt:       m.FinishedAt,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		LatencyMS:        m.LatencyMS,
		ErrorReason:      m.ErrorReason,
	}
}

// OwnerSettings carries per-owner preferences consulted during model
// resolution.
type OwnerSettings struct {
	OwnerID        string    `db:"owner_id" json:"ownerId"`
	DefaultModelID *string   `db:"default_model_id" json:"defaultModelId,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// OwnerCredential is one sealed provider API key. SealedKey is the
// AES-256-GCM box produced by the secrets package, never plaintext.
type OwnerCredential struct {
	OwnerID   string    `db:"owner_id" json:"ownerId"`
	Provider  string    `db:"provider" json:"provider"`
	SealedKey string    `db:"sealed_key" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
