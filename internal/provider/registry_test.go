package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strandlabs/chatstream/internal/errdefs"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

func TestRegistryAcquire(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	registry.Register(&stubAdapter{name: "openai"}, 0, 0)
	registry.Register(&stubAdapter{name: "anthropic"}, 0, 0)

	adapter, err := registry.Acquire(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", adapter.Name())

	_, err = registry.Acquire(context.Background(), "mistral")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInternal))

	assert.Equal(t, []string{"anthropic", "openai"}, registry.Providers())
}

func TestRegistryPacingCancel(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))
	// One token per 1000s: the first acquire drains the burst, the second
	// can only end by cancellation.
	registry.Register(&stubAdapter{name: "openai"}, 0.001, 1)

	_, err := registry.Acquire(context.Background(), "openai")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = registry.Acquire(ctx, "openai")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAborted))
}
