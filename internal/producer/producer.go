// Package producer owns the message lifecycle. One producer goroutine runs
// per active message: it drains the provider stream, fans every event out to
// the durable event log (through the batched writer) and the request's local
// bridge, and finalizes the store row. The goroutine is rooted in the stop
// registry's token, not the request context, so a client disconnect never
// stops it.
package producer

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/bridge"
	"github.com/strandlabs/chatstream/internal/db"
	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/eventlog"
	"github.com/strandlabs/chatstream/internal/modelcat"
	"github.com/strandlabs/chatstream/internal/provider"
	"github.com/strandlabs/chatstream/internal/ratelimit"
	"github.com/strandlabs/chatstream/internal/secrets"
	"github.com/strandlabs/chatstream/internal/stop"
)

// Store is the slice of the message store gateway the producer depends on.
// *db.Client satisfies it; tests swap in an in-memory fake.
type Store interface {
	GetChat(ctx context.Context, chatID string) (*db.Chat, error)
	CreateChat(ctx context.Context, chat *db.Chat) error
	TouchChat(ctx context.Context, chatID string, at time.Time) error
	CreateInitial(ctx context.Context, msg *db.Message) error
	MarkStreaming(ctx context.Context, messageID string) error
	Finalize(ctx context.Context, messageID string, params db.FinalizeParams) (*db.Message, error)
	CurrentStreaming(ctx context.Context, chatID string) (*db.Message, error)
	PageOlder(ctx context.Context, chatID string, before *time.Time, limit int) ([]db.Message, error)
	GetCredential(ctx context.Context, ownerID, provider string) (*db.OwnerCredential, error)
	GetOwnerSettings(ctx context.Context, ownerID string) (*db.OwnerSettings, error)
}

// Request is one sendWithStream call after transport decoding.
type Request struct {
	OwnerID     string
	ConvID      string // empty creates a new conversation
	UserContent string
	ModelID     string // optional override of the resolution chain
}

// Stream is the caller's view of a running producer: the Started row plus
// the local bridge carrying its events.
type Stream struct {
	Message *db.Message
	Events  *bridge.Bridge
}

// Config tunes the manager. Zero values select defaults.
type Config struct {
	// HistoryLimit caps how many prior terminal messages are replayed into
	// the provider prompt.
	HistoryLimit int
	// SystemPrompt is prepended to every provider call when non-empty.
	SystemPrompt string
	// Batcher applies to every per-conversation batched writer.
	Batcher eventlog.BatcherOptions
	// ServiceKeys maps provider name to the shared free-tier API key.
	ServiceKeys map[string]string
}

const defaultHistoryLimit = 20

// Deps are the collaborators a Manager coordinates.
type Deps struct {
	Store     Store
	Log       *eventlog.Log
	Stops     *stop.Registry
	Limiter   *ratelimit.Limiter
	Catalog   *modelcat.Catalog
	Providers *provider.Registry
	Sealer    *secrets.Sealer
}

// Manager starts and supervises producers.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

func NewManager(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Manager{deps: deps, cfg: cfg, logger: logger}
}

// StartStream runs the pre-stream phase synchronously and, on success, spawns
// the producer goroutine. Every error returned here happened before any state
// change became visible: no message row, nothing in the event log.
func (m *Manager) StartStream(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.UserContent) == "" {
		return nil, errdefs.New(errdefs.KindInternal, "user content is empty")
	}

	chat, err := m.resolveChat(ctx, req)
	if err != nil {
		return nil, err
	}

	model, err := m.resolveModel(ctx, req, chat)
	if err != nil {
		return nil, err
	}

	apiKey, freeTier, err := m.resolveCredentials(ctx, req.OwnerID, model.Provider)
	if err != nil {
		return nil, err
	}

	if freeTier {
		res := m.deps.Limiter.Check(ctx, model.Provider, req.OwnerID)
		if !res.Allowed {
			return nil, errdefs.RateLimited(res.RetryAfter, "free-tier limit reached for "+model.Provider)
		}
	}

	// Early refusal with a clean error; the partial unique index on the
	// messages table is what actually enforces this across nodes.
	if live, err := m.deps.Store.CurrentStreaming(ctx, chat.ID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, errdefs.Newf(errdefs.KindConflict, "conversation %s already has an active stream", chat.ID)
	}

	history, err := m.promptHistory(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	adapter, err := m.deps.Providers.Acquire(ctx, model.Provider)
	if err != nil {
		return nil, err
	}

	token, err := m.deps.Stops.Register(chat.ID, req.OwnerID)
	if err != nil {
		if errors.Is(err, stop.ErrActiveProducer) {
			return nil, errdefs.Newf(errdefs.KindConflict, "conversation %s already has an active stream", chat.ID)
		}
		return nil, err
	}

	// A leftover flag from a previous abort must not kill this stream.
	m.deps.Stops.ClearFlag(ctx, chat.ID)

	msg := &db.Message{
		ChatID:      chat.ID,
		UserContent: req.UserContent,
		ModelID:     model.ID,
	}
	if err := m.deps.Store.CreateInitial(ctx, msg); err != nil {
		m.deps.Stops.Unregister(chat.ID)
		return nil, err
	}

	preq := provider.Request{
		Model:     model.ID,
		MaxTokens: model.MaxTokens,
		System:    m.cfg.SystemPrompt,
		APIKey:    apiKey,
		Messages:  append(history, provider.ChatMessage{Role: "user", Content: req.UserContent}),
	}

	br := bridge.New()
	go m.run(token, br, msg, adapter, preq)

	// The goroutine keeps mutating msg; the caller gets its own copy.
	snapshot := *msg
	return &Stream{Message: &snapshot, Events: br}, nil
}

// resolveChat loads the conversation or creates it, including the case of a
// caller-chosen conversation id that has no row yet.
func (m *Manager) resolveChat(ctx context.Context, req Request) (*db.Chat, error) {
	if req.ConvID != "" {
		chat, err := m.deps.Store.GetChat(ctx, req.ConvID)
		if err != nil {
			return nil, err
		}
		if chat != nil {
			if chat.OwnerID != req.OwnerID {
				return nil, errdefs.Newf(errdefs.KindConflict, "conversation %s belongs to another owner", req.ConvID)
			}
			return chat, nil
		}
	}

	chat := &db.Chat{
		ID:      req.ConvID,
		OwnerID: req.OwnerID,
		Title:   chatTitle(req.UserContent),
	}
	if err := m.deps.Store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// resolveModel walks request override > chat default > owner default >
// catalog fallback. An explicit override must exist in the catalog; stale
// stored defaults fall through with a warning.
func (m *Manager) resolveModel(ctx context.Context, req Request, chat *db.Chat) (modelcat.Model, error) {
	if req.ModelID != "" {
		return m.deps.Catalog.Resolve(req.ModelID)
	}

	if chat.DefaultModelID != nil && *chat.DefaultModelID != "" {
		model, err := m.deps.Catalog.Resolve(*chat.DefaultModelID)
		if err == nil {
			return model, nil
		}
		m.logger.Warn("Chat default model no longer in catalog",
			zap.String("chat_id", chat.ID),
			zap.String("model_id", *chat.DefaultModelID))
	}

	settings, err := m.deps.Store.GetOwnerSettings(ctx, req.OwnerID)
	if err != nil {
		return modelcat.Model{}, err
	}
	if settings != nil && settings.DefaultModelID != nil && *settings.DefaultModelID != "" {
		model, err := m.deps.Catalog.Resolve(*settings.DefaultModelID)
		if err == nil {
			return model, nil
		}
		m.logger.Warn("Owner default model no longer in catalog",
			zap.String("owner_id", req.OwnerID),
			zap.String("model_id", *settings.DefaultModelID))
	}

	return m.deps.Catalog.Fallback(), nil
}

// resolveCredentials picks the owner's sealed key when present, otherwise the
// shared service key. freeTier reports whether the rate limiter applies.
func (m *Manager) resolveCredentials(ctx context.Context, ownerID, providerName string) (apiKey string, freeTier bool, err error) {
	cred, err := m.deps.Store.GetCredential(ctx, ownerID, providerName)
	if err != nil {
		return "", false, err
	}
	if cred != nil {
		key, err := m.deps.Sealer.Open(cred.SealedKey)
		if err != nil {
			return "", false, errdefs.Wrap(errdefs.KindInternal, err, "unseal credential for "+providerName)
		}
		return key, false, nil
	}

	key, ok := m.cfg.ServiceKeys[providerName]
	if !ok || key == "" {
		return "", false, errdefs.Newf(errdefs.KindAuthMissing, "no credentials available for provider %s", providerName)
	}
	return key, true, nil
}

// promptHistory replays recent terminal turns as provider messages, oldest
// first. Empty agent replies (aborted before the first delta) are dropped by
// the adapter's filter.
func (m *Manager) promptHistory(ctx context.Context, chatID string) ([]provider.ChatMessage, error) {
	page, err := m.deps.Store.PageOlder(ctx, chatID, nil, m.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	history := make([]provider.ChatMessage, 0, len(page)*2)
	for i := range page {
		history = append(history, provider.ChatMessage{Role: "user", Content: page[i].UserContent})
		if page[i].AgentContent != nil {
			history = append(history, provider.ChatMessage{Role: "assistant", Content: *page[i].AgentContent})
		}
	}
	return history, nil
}

func chatTitle(userContent string) string {
	title := strings.Join(strings.Fields(userContent), " ")
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}
