// Package chat is the conversation service: the four streaming operations
// plus chat and credential management. It composes the producer, subscriber,
// stop registry, and message store into the surface the transports serve, and
// owns the ownership checks so no transport has to repeat them.
package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/db"
	"github.com/strandlabs/chatstream/internal/errdefs"
	"github.com/strandlabs/chatstream/internal/events"
	"github.com/strandlabs/chatstream/internal/modelcat"
	"github.com/strandlabs/chatstream/internal/producer"
	"github.com/strandlabs/chatstream/internal/secrets"
	"github.com/strandlabs/chatstream/internal/stop"
	"github.com/strandlabs/chatstream/internal/subscriber"
)

// Store is the slice of the message store gateway the service depends on.
// *db.Client satisfies it.
type Store interface {
	producer.Store
	PageNewer(ctx context.Context, chatID string, after time.Time, limit int) ([]db.Message, error)
	ListChats(ctx context.Context, ownerID string) ([]db.Chat, error)
	UpdateChatDefaultModel(ctx context.Context, chatID string, modelID *string) error
	SoftDeleteChat(ctx context.Context, chatID string) error
	UpsertCredential(ctx context.Context, cred *db.OwnerCredential) error
	DeleteCredential(ctx context.Context, ownerID, provider string) error
	UpsertOwnerSettings(ctx context.Context, settings *db.OwnerSettings) error
}

// Direction selects which way getMessages pages through history.
type Direction string

const (
	DirectionBackward Direction = "backward"
	DirectionForward  Direction = "forward"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// MessagesPage is one getMessages result: terminal messages in ascending
// finishedAt order, the sync cursor for the next incremental call, and the
// live message when one is streaming.
type MessagesPage struct {
	Messages         []db.Message `json:"messages"`
	SyncDate         *time.Time   `json:"syncDate,omitempty"`
	StreamingMessage *db.Message  `json:"streamingMessage,omitempty"`
}

// Deps are the collaborators a Service coordinates.
type Deps struct {
	Store      Store
	Producer   *producer.Manager
	Subscriber *subscriber.Subscriber
	Stops      *stop.Registry
	Catalog    *modelcat.Catalog
	Sealer     *secrets.Sealer
}

// Service implements the conversation operations.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

func New(deps Deps, logger *zap.Logger) *Service {
	return &Service{deps: deps, logger: logger}
}

// SendWithStream starts a message stream, creating the conversation when it
// does not exist yet. Errors are pre-stream: nothing was persisted, nothing
// was emitted.
func (s *Service) SendWithStream(ctx context.Context, ownerID, convID, content, modelID string) (*producer.Stream, error) {
	return s.deps.Producer.StartStream(ctx, producer.Request{
		OwnerID:     ownerID,
		ConvID:      convID,
		UserContent: content,
		ModelID:     modelID,
	})
}

// AbortStream requests a stop for the conversation's active stream and
// reports whether there was one. The cross-node flag reaches producers on
// other nodes; the local token is cancelled directly when the producer runs
// here. Unknown or foreign conversations abort nothing.
func (s *Service) AbortStream(ctx context.Context, ownerID, convID string) (bool, error) {
	chat, err := s.deps.Store.GetChat(ctx, convID)
	if err != nil {
		return false, err
	}
	if chat == nil || chat.OwnerID != ownerID {
		return false, nil
	}

	live, err := s.deps.Store.CurrentStreaming(ctx, convID)
	if err != nil {
		return false, err
	}
	if live == nil {
		// Nothing to stop; writing a flag now would only strand it for the
		// next stream to clear.
		return false, nil
	}

	if err := s.deps.Stops.RequestStop(ctx, convID); err != nil {
		if s.deps.Stops.Abort(convID) {
			s.logger.Warn("Stop flag write failed; aborted via local token only",
				zap.String("conv_id", convID),
				zap.Error(err))
			return true, nil
		}
		return false, err
	}
	s.deps.Stops.Abort(convID)
	return true, nil
}

// Listen replays the conversation's event log from cursor and follows the
// live tail. Unknown and foreign conversations yield nothing rather than
// confirming they exist.
func (s *Service) Listen(ctx context.Context, ownerID, convID, cursor string, fn func(events.StreamEvent) error) error {
	chat, err := s.deps.Store.GetChat(ctx, convID)
	if err != nil {
		return err
	}
	if chat == nil || chat.OwnerID != ownerID {
		return nil
	}
	return s.deps.Subscriber.Stream(ctx, convID, cursor, fn)
}

// GetMessages pages through the conversation's terminal messages and reports
// the currently streaming one, if any. The sync cursor is the finishedAt of
// the boundary message: oldest when paging backward, newest when syncing
// forward, so clients resume incrementally without re-reading history.
func (s *Service) GetMessages(ctx context.Context, ownerID, convID string, cursor *time.Time, direction Direction, limit int) (*MessagesPage, error) {
	chat, err := s.deps.Store.GetChat(ctx, convID)
	if err != nil {
		return nil, err
	}
	if chat == nil || chat.OwnerID != ownerID {
		return &MessagesPage{Messages: []db.Message{}}, nil
	}

	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var msgs []db.Message
	switch direction {
	case DirectionForward:
		var after time.Time
		if cursor != nil {
			after = *cursor
		}
		msgs, err = s.deps.Store.PageNewer(ctx, convID, after, limit)
	case DirectionBackward, "":
		msgs, err = s.deps.Store.PageOlder(ctx, convID, cursor, limit)
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "unknown page direction %q", direction)
	}
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []db.Message{}
	}

	page := &MessagesPage{Messages: msgs}
	switch {
	case len(msgs) > 0 && direction == DirectionForward:
		page.SyncDate = msgs[len(msgs)-1].FinishedAt
	case len(msgs) > 0:
		page.SyncDate = msgs[0].FinishedAt
	default:
		page.SyncDate = cursor
	}

	live, err := s.deps.Store.CurrentStreaming(ctx, convID)
	if err != nil {
		return nil, err
	}
	page.StreamingMessage = live
	return page, nil
}

// ListChats returns the owner's conversations, most recently active first.
func (s *Service) ListChats(ctx context.Context, ownerID string) ([]db.Chat, error) {
	chats, err := s.deps.Store.ListChats(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []db.Chat{}
	}
	return chats, nil
}

// GetChat returns one conversation, or nil when it does not exist or belongs
// to someone else.
func (s *Service) GetChat(ctx context.Context, ownerID, convID string) (*db.Chat, error) {
	chat, err := s.deps.Store.GetChat(ctx, convID)
	if err != nil {
		return nil, err
	}
	if chat == nil || chat.OwnerID != ownerID {
		return nil, nil
	}
	return chat, nil
}

// SetChatDefaultModel pins the conversation's default model. An empty model
// id clears the pin so resolution falls through to the owner default.
func (s *Service) SetChatDefaultModel(ctx context.Context, ownerID, convID, modelID string) error {
	chat, err := s.GetChat(ctx, ownerID, convID)
	if err != nil {
		return err
	}
	if chat == nil {
		return errdefs.Newf(errdefs.KindConflict, "conversation %s not found", convID)
	}

	var pin *string
	if modelID != "" {
		if _, err := s.deps.Catalog.Resolve(modelID); err != nil {
			return err
		}
		pin = &modelID
	}
	return s.deps.Store.UpdateChatDefaultModel(ctx, convID, pin)
}

// DeleteChat soft-deletes the conversation after stopping any live stream.
// History rows stay for audit; the chat disappears from listings.
func (s *Service) DeleteChat(ctx context.Context, ownerID, convID string) error {
	chat, err := s.GetChat(ctx, ownerID, convID)
	if err != nil {
		return err
	}
	if chat == nil {
		return errdefs.Newf(errdefs.KindConflict, "conversation %s not found", convID)
	}

	if _, err := s.AbortStream(ctx, ownerID, convID); err != nil {
		s.logger.Warn("Failed to abort stream before delete",
			zap.String("conv_id", convID),
			zap.Error(err))
	}
	return s.deps.Store.SoftDeleteChat(ctx, convID)
}

// SetCredential seals and stores the owner's API key for a provider. Streams
// for that provider use it from the next send on and bypass the free tier.
func (s *Service) SetCredential(ctx context.Context, ownerID, provider, apiKey string) error {
	provider = strings.TrimSpace(provider)
	apiKey = strings.TrimSpace(apiKey)
	if provider == "" || apiKey == "" {
		return errdefs.New(errdefs.KindInternal, "provider and key are required")
	}

	sealed, err := s.deps.Sealer.Seal(apiKey)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "seal credential")
	}
	return s.deps.Store.UpsertCredential(ctx, &db.OwnerCredential{
		OwnerID:   ownerID,
		Provider:  provider,
		SealedKey: sealed,
	})
}

// RemoveCredential deletes the owner's key for a provider. Idempotent.
func (s *Service) RemoveCredential(ctx context.Context, ownerID, provider string) error {
	return s.deps.Store.DeleteCredential(ctx, ownerID, provider)
}

// SetOwnerDefaultModel sets the owner-wide default model. An empty model id
// clears it.
func (s *Service) SetOwnerDefaultModel(ctx context.Context, ownerID, modelID string) error {
	var pin *string
	if modelID != "" {
		if _, err := s.deps.Catalog.Resolve(modelID); err != nil {
			return err
		}
		pin = &modelID
	}
	return s.deps.Store.UpsertOwnerSettings(ctx, &db.OwnerSettings{
		OwnerID:        ownerID,
		DefaultModelID: pin,
	})
}

// Models lists the catalog for clients picking a model.
func (s *Service) Models() []modelcat.Model {
	return s.deps.Catalog.Models()
}
