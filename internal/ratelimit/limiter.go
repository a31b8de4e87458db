// Package ratelimit enforces the free-tier request budget. Owners who bring
// their own provider credentials bypass it entirely.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandlabs/chatstream/internal/circuitbreaker"
	"github.com/strandlabs/chatstream/internal/metrics"
)

// Limit is the per-provider budget: Requests per Window. Requests <= 0
// disables the limit for that provider.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimit applies to providers without explicit configuration.
var DefaultLimit = Limit{Requests: 30, Window: time.Hour}

// Result reports one admission decision.
type Result struct {
	Allowed    bool
	Used       int
	Limit      int
	RetryAfter time.Duration
}

// Limiter counts requests per (owner, provider) in the shared store so the
// budget holds across nodes. Store failures fail open: a broken limiter must
// not take chat down with it.
type Limiter struct {
	store  *circuitbreaker.RedisWrapper
	limits map[string]Limit
	def    Limit
	logger *zap.Logger
}

// NewLimiter creates a Limiter. limits maps provider name to its budget;
// def applies to everything else (zero value selects DefaultLimit).
func NewLimiter(store *circuitbreaker.RedisWrapper, limits map[string]Limit, def Limit, logger *zap.Logger) *Limiter {
	if def == (Limit{}) {
		def = DefaultLimit
	}
	return &Limiter{
		store:  store,
		limits: limits,
		def:    def,
		logger: logger,
	}
}

func counterKey(provider, ownerID string) string {
	return fmt.Sprintf("rate:freetier:%s:user:%s", provider, ownerID)
}

func (l *Limiter) limitFor(provider string) Limit {
	if lim, ok := l.limits[provider]; ok {
		return lim
	}
	return l.def
}

// Check admits or denies one free-tier request. The counter gets its window
// TTL on the 0->1 transition; a denial reports the counter's remaining TTL
// as the retry hint.
func (l *Limiter) Check(ctx context.Context, provider, ownerID string) *Result {
	limit := l.limitFor(provider)
	if limit.Requests <= 0 {
		return &Result{Allowed: true, Limit: limit.Requests}
	}

	key := counterKey(provider, ownerID)
	count, err := l.store.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Error("Rate limit store error",
			zap.String("provider", provider),
			zap.Error(err))
		return &Result{Allowed: true, Limit: limit.Requests}
	}

	if count == 1 {
		l.store.Expire(ctx, key, limit.Window+time.Second)
	}

	result := &Result{Used: int(count), Limit: limit.Requests}
	if int(count) > limit.Requests {
		result.Allowed = false
		result.RetryAfter = l.retryAfter(ctx, key, limit)
		metrics.RateLimitDenied.WithLabelValues(provider).Inc()
		l.logger.Warn("Free tier rate limit exceeded",
			zap.String("provider", provider),
			zap.String("owner_id", ownerID),
			zap.Int("used", result.Used),
			zap.Int("limit", result.Limit),
		)
		return result
	}

	result.Allowed = true
	return result
}

func (l *Limiter) retryAfter(ctx context.Context, key string, limit Limit) time.Duration {
	ttl, err := l.store.TTL(ctx, key).Result()
	if err != nil {
		return limit.Window
	}
	if ttl <= 0 {
		// The counter lost its expiry (first-increment EXPIRE never landed).
		// Re-arm it so the denial is not permanent.
		l.store.Expire(ctx, key, limit.Window)
		return limit.Window
	}
	return ttl
}
