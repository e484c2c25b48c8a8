package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAdapter wraps a MockAdapter and counts availability probes.
type countingAdapter struct {
	MockAdapter
	probes atomic.Int64
}

func (c *countingAdapter) Available(ctx context.Context) Availability {
	c.probes.Add(1)
	return c.MockAdapter.Available(ctx)
}

func TestRegistry_GetAndKinds(t *testing.T) {
	r := NewRegistry(newTestLogger(t), Overrides{}, 2*time.Second, time.Minute)

	for _, kind := range Kinds() {
		a, err := r.Get(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, a.Kind())
	}
	assert.Equal(t, Kinds(), r.Kinds())

	_, err := r.Get("copilot")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_AvailabilityCaching(t *testing.T) {
	r := NewEmptyRegistry(newTestLogger(t), time.Minute)
	counting := &countingAdapter{MockAdapter: MockAdapter{AgentKind: KindClaude}}
	r.Register(counting)

	ctx := context.Background()
	first, err := r.Availability(ctx, KindClaude)
	require.NoError(t, err)
	assert.True(t, first.Installed)

	for i := 0; i < 5; i++ {
		_, err := r.Availability(ctx, KindClaude)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), counting.probes.Load(), "probes within the TTL hit the cache")

	r.Invalidate(KindClaude)
	_, err = r.Availability(ctx, KindClaude)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counting.probes.Load())
}

func TestRegistry_AvailabilityExpires(t *testing.T) {
	r := NewEmptyRegistry(newTestLogger(t), 30*time.Millisecond)
	counting := &countingAdapter{MockAdapter: MockAdapter{AgentKind: KindGemini}}
	r.Register(counting)

	ctx := context.Background()
	_, err := r.Availability(ctx, KindGemini)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = r.Availability(ctx, KindGemini)
	require.NoError(t, err)

	assert.Equal(t, int64(2), counting.probes.Load())
}

func TestRegistry_ConcurrentProbesDeduplicated(t *testing.T) {
	r := NewEmptyRegistry(newTestLogger(t), time.Minute)
	counting := &countingAdapter{MockAdapter: MockAdapter{AgentKind: KindCodex, Delay: 0}}
	r.Register(counting)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Availability(ctx, KindCodex)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, counting.probes.Load(), int64(2), "concurrent probes collapse")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewEmptyRegistry(newTestLogger(t), time.Minute)
	r.Register(&MockAdapter{AgentKind: KindClaude})
	r.Register(&MockAdapter{AgentKind: KindQwen, Avail: Availability{Installed: false, Error: "qwen not found in PATH"}})

	snap := r.Snapshot(context.Background())
	require.Len(t, snap, 2)
	assert.True(t, snap[KindClaude].Installed)
	assert.False(t, snap[KindQwen].Installed)
	assert.Contains(t, snap[KindQwen].Error, "not found")
}

func TestRegistry_ResolveModel(t *testing.T) {
	r := NewRegistry(newTestLogger(t), Overrides{}, time.Second, time.Minute)

	native, ok := r.ResolveModel(KindClaude, "claude-opus-4.1")
	require.True(t, ok)
	assert.Equal(t, "claude-opus-4-1-20250805", native)

	_, ok = r.ResolveModel(KindCursor, "nonsense")
	assert.False(t, ok)

	models := r.Models(KindGemini)
	require.NotEmpty(t, models)
	assert.Equal(t, "gemini-2.5-pro", models[0].ID)
}
