package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// Registry owns the adapter set and caches availability probes so the status
// grid cannot cause fork storms. Probes for the same kind are deduplicated
// in flight.
type Registry struct {
	log      *logger.Logger
	adapters map[Kind]Adapter
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[Kind]Availability
	group singleflight.Group
}

// NewRegistry builds a registry with every supported adapter installed,
// applying invocation overrides and the shared cancel grace window.
func NewRegistry(log *logger.Logger, ov Overrides, grace, availabilityTTL time.Duration) *Registry {
	r := NewEmptyRegistry(log, availabilityTTL)
	r.Register(NewClaudeAdapter(log, ov.For(KindClaude), grace))
	r.Register(NewCursorAdapter(log, ov.For(KindCursor), grace))
	r.Register(NewCodexAdapter(log, ov.For(KindCodex), grace))
	r.Register(NewGeminiAdapter(log, ov.For(KindGemini), grace))
	r.Register(NewQwenAdapter(log, ov.For(KindQwen), grace))
	return r
}

// NewEmptyRegistry builds a registry with no adapters, for callers that wire
// their own set.
func NewEmptyRegistry(log *logger.Logger, availabilityTTL time.Duration) *Registry {
	if availabilityTTL <= 0 {
		availabilityTTL = 60 * time.Second
	}
	return &Registry{
		log:      log,
		adapters: make(map[Kind]Adapter),
		ttl:      availabilityTTL,
		cache:    make(map[Kind]Availability),
	}
}

// Register installs an adapter, replacing any previous one of the same kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
	delete(r.cache, a.Kind())
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, kind)
	}
	return a, nil
}

// Kinds lists the registered agent kinds in display order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for _, kind := range Kinds() {
		if _, ok := r.adapters[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Models lists the model table for a kind.
func (r *Registry) Models(kind Kind) []ModelInfo {
	return ModelsFor(kind)
}

// ResolveModel reports whether a canonical model id is known for a kind.
func (r *Registry) ResolveModel(kind Kind, model string) (string, bool) {
	return resolveModel(kind, model)
}

// Availability returns the cached probe for a kind, refreshing when the
// cache entry is older than the TTL.
func (r *Registry) Availability(ctx context.Context, kind Kind) (Availability, error) {
	a, err := r.Get(kind)
	if err != nil {
		return Availability{}, err
	}

	r.mu.RLock()
	cached, ok := r.cache[kind]
	r.mu.RUnlock()
	if ok && time.Since(cached.CheckedAt) < r.ttl {
		return cached, nil
	}

	v, _, _ := r.group.Do(string(kind), func() (interface{}, error) {
		av := a.Available(ctx)
		if av.CheckedAt.IsZero() {
			av.CheckedAt = time.Now().UTC()
		}
		r.mu.Lock()
		r.cache[kind] = av
		r.mu.Unlock()
		r.log.Debug("agent availability probed",
			zap.String("agent", string(kind)),
			zap.Bool("installed", av.Installed),
			zap.String("version", av.Version))
		return av, nil
	})
	return v.(Availability), nil
}

// Snapshot probes every registered adapter concurrently, for the status
// grid. Unavailable adapters appear with Installed=false rather than being
// omitted.
func (r *Registry) Snapshot(ctx context.Context) map[Kind]Availability {
	kinds := r.Kinds()
	out := make(map[Kind]Availability, len(kinds))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, kind := range kinds {
		wg.Add(1)
		go func(k Kind) {
			defer wg.Done()
			av, err := r.Availability(ctx, k)
			if err != nil {
				return
			}
			mu.Lock()
			out[k] = av
			mu.Unlock()
		}(kind)
	}
	wg.Wait()
	return out
}

// Invalidate clears a cached probe so the next check re-probes, used after a
// run fails with cli_not_installed.
func (r *Registry) Invalidate(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, kind)
}
