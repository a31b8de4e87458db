package provider

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/strandlabs/chatstream/internal/errdefs"
)

// Registry maps provider names to adapters and paces outbound stream opens
// per provider. Pacing is about being a polite upstream client; the per-owner
// free-tier limiter is a separate concern.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Register adds an adapter under its own name. rps <= 0 disables pacing for
// that provider.
func (r *Registry) Register(adapter Adapter, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[adapter.Name()] = adapter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		r.limiters[adapter.Name()] = rate.NewLimiter(rate.Limit(rps), burst)
	} else {
		delete(r.limiters, adapter.Name())
	}

	r.logger.Info("Provider adapter registered",
		zap.String("provider", adapter.Name()),
		zap.Float64("outbound_rps", rps),
	)
}

// Acquire returns the adapter for name after waiting out the provider's
// pacing budget. A canceled wait reports Aborted.
func (r *Registry) Acquire(ctx context.Context, name string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "no adapter registered for provider %q", name)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errdefs.Wrap(errdefs.KindAborted, err, "canceled while pacing "+name)
		}
	}
	return adapter, nil
}

// Providers lists the registered provider names in stable order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
