package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/events/bus"
	"github.com/vrabby/vrabby/internal/message"
	"github.com/vrabby/vrabby/internal/project"
	"github.com/vrabby/vrabby/internal/prompt"
	"github.com/vrabby/vrabby/internal/session"
)

func newTestManager(t *testing.T) (*Manager, Deps, *project.Project) {
	t.Helper()
	log := newTestLogger(t)

	registry := agent.NewEmptyRegistry(log, time.Minute)
	registry.Register(&agent.MockAdapter{})

	projects := project.NewMemoryStore()
	p := &project.Project{ID: "proj-1", Name: "demo", Path: t.TempDir(), FallbackEnabled: true}
	require.NoError(t, projects.Create(context.Background(), p))

	deps := Deps{
		Log:             log,
		Orch:            testConfig(),
		Registry:        registry,
		Projects:        projects,
		Messages:        message.NewMemoryStore(),
		Sessions:        session.NewStore(),
		Prompts:         prompt.NewLoader(t.TempDir(), log),
		Bus:             bus.NewMemoryEventBus(log),
		SubscriberQueue: 64,
	}

	m := NewManager(deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, deps, p
}

func TestManagerCreatesPerProject(t *testing.T) {
	m, deps, p := newTestManager(t)
	ctx := context.Background()

	o1, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	o2, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Same(t, o1, o2, "repeated gets share one orchestrator")

	p2 := &project.Project{ID: "proj-2", Path: t.TempDir()}
	require.NoError(t, deps.Projects.Create(ctx, p2))
	o3, err := m.Get(ctx, p2.ID)
	require.NoError(t, err)
	assert.NotSame(t, o1, o3)
	assert.Equal(t, 2, m.Count())
}

func TestManagerRejectsUnknownProject(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, 0, m.Count())
}

func TestManagerDropRemoves(t *testing.T) {
	m, _, p := newTestManager(t)
	ctx := context.Background()

	o1, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	m.Drop(ctx, p.ID)

	_, err = o1.Submit(ctx, Submission{Instruction: "hi", Agent: "claude"})
	assert.ErrorIs(t, err, ErrOrchestratorClosed)

	o2, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotSame(t, o1, o2, "a dropped project gets a fresh orchestrator")
}

func TestManagerSweepReclaimsIdle(t *testing.T) {
	m, _, p := newTestManager(t)
	ctx := context.Background()

	o1, err := m.Get(ctx, p.ID)
	require.NoError(t, err)

	now := time.Now()
	m.sweep(now)
	m.sweep(now.Add(29 * time.Second))
	got, ok := m.Lookup(p.ID)
	require.True(t, ok, "still within the linger window")
	assert.Same(t, o1, got)

	m.sweep(now.Add(31 * time.Second))
	_, ok = m.Lookup(p.ID)
	assert.False(t, ok, "idle past the linger window is reclaimed")

	// A busy orchestrator is never reclaimed; an attached subscriber
	// counts as busy.
	o2, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	sub := o2.Subscribe()
	m.sweep(now.Add(time.Hour))
	m.sweep(now.Add(2 * time.Hour))
	_, ok = m.Lookup(p.ID)
	assert.True(t, ok)
	o2.Unsubscribe(sub)
}

func TestManagerShutdownStopsAll(t *testing.T) {
	m, deps, p := newTestManager(t)
	ctx := context.Background()

	o1, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	p2 := &project.Project{ID: "proj-2", Path: t.TempDir()}
	require.NoError(t, deps.Projects.Create(ctx, p2))
	_, err = m.Get(ctx, p2.ID)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	_, err = m.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = o1.Submit(ctx, Submission{Instruction: "hi", Agent: "claude"})
	assert.ErrorIs(t, err, ErrOrchestratorClosed)
}
