// Package stop implements the two-layer cancellation signal for running
// producers: a short-lived cross-node flag in the shared store, and
// process-local cancellation tokens wired to producer goroutines. Either
// layer alone can end a stream; together they make abort work from any node.
package stop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/circuitbreaker"
	"github.com/strandlabs/chatstream/internal/metrics"
)

// DefaultFlagTTL bounds how long an unobserved stop flag lingers.
const DefaultFlagTTL = 5 * time.Minute

// ErrActiveProducer is returned by Register when the conversation already
// has a producer in this process.
var ErrActiveProducer = errors.New("producer already active for conversation")

// Token is the in-process cancellation handle for one producer run. Its
// context is rooted in the background context on purpose: the producer's
// lifetime must not follow the originating request.
type Token struct {
	ConvID    string
	OwnerID   string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the context the producer goroutine runs under.
func (t *Token) Context() context.Context { return t.ctx }

// Registry owns the local token map and the cross-node flag protocol.
type Registry struct {
	store   *circuitbreaker.RedisWrapper
	flagTTL time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates a Registry. flagTTL <= 0 selects DefaultFlagTTL.
func NewRegistry(store *circuitbreaker.RedisWrapper, flagTTL time.Duration, logger *zap.Logger) *Registry {
	if flagTTL <= 0 {
		flagTTL = DefaultFlagTTL
	}
	return &Registry{
		store:   store,
		flagTTL: flagTTL,
		logger:  logger,
		tokens:  make(map[string]*Token),
	}
}

func stopKey(convID string) string {
	return fmt.Sprintf("stop-stream:%s", convID)
}

// Register creates and stores the cancellation token for a producer run.
// Exactly one producer per conversation may hold a token in this process.
func (r *Registry) Register(convID, ownerID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[convID]; exists {
		return nil, ErrActiveProducer
	}
	ctx, cancel := context.WithCancel(context.Background())
	tok := &Token{
		ConvID:    convID,
		OwnerID:   ownerID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.tokens[convID] = tok
	return tok, nil
}

// Unregister removes the token and releases its context. Called by the
// producer on exit; safe when the token is already gone.
func (r *Registry) Unregister(convID string) {
	r.mu.Lock()
	tok := r.tokens[convID]
	delete(r.tokens, convID)
	r.mu.Unlock()
	if tok != nil {
		tok.cancel()
	}
}

// Abort cancels the local token if one exists and reports whether it did.
func (r *Registry) Abort(convID string) bool {
	r.mu.Lock()
	tok := r.tokens[convID]
	r.mu.Unlock()
	if tok == nil {
		return false
	}
	tok.cancel()
	return true
}

// IsActive reports whether this process runs a producer for convID.
func (r *Registry) IsActive(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[convID]
	return ok
}

// ActiveCount returns the number of producers running in this process.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// AbortAll cancels every local token. Used during graceful shutdown so
// producers finish with an Aborted terminal event instead of dying silently.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	toks := make([]*Token, 0, len(r.tokens))
	for _, tok := range r.tokens {
		toks = append(toks, tok)
	}
	r.mu.Unlock()
	for _, tok := range toks {
		tok.cancel()
	}
}

// RequestStop writes the cross-node flag so the producer observes it on the
// next chunk boundary, whichever node runs it.
func (r *Registry) RequestStop(ctx context.Context, convID string) error {
	if err := r.store.Set(ctx, stopKey(convID), "1", r.flagTTL).Err(); err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	metrics.StopRequests.Inc()
	return nil
}

// IsStopRequested checks the cross-node flag. Store errors read as "not
// stopped" so a flaky store cannot abort healthy streams; the flag's TTL
// bounds the damage of a lost signal.
func (r *Registry) IsStopRequested(ctx context.Context, convID string) bool {
	_, err := r.store.Get(ctx, stopKey(convID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Stop flag check failed",
				zap.String("conv_id", convID),
				zap.Error(err))
		}
		return false
	}
	return true
}

// ClearFlag removes the cross-node flag. Producers consume the flag when they
// observe it and clear any stale one before starting, so an aborted
// conversation can start a fresh stream immediately.
func (r *Registry) ClearFlag(ctx context.Context, convID string) {
	if err := r.store.Del(ctx, stopKey(convID)).Err(); err != nil {
		r.logger.Warn("Stop flag clear failed",
			zap.String("conv_id", convID),
			zap.Error(err))
	}
}
