package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// ErrManagerClosed is returned by Get once manager shutdown has begun.
var ErrManagerClosed = errors.New("orchestrator manager is shutting down")

// janitorInterval is how often idle orchestrators are swept.
const janitorInterval = 10 * time.Second

// Manager owns one orchestrator per active project, creating them on demand
// and reclaiming them after the idle linger.
type Manager struct {
	log  *logger.Logger
	deps Deps

	mu     sync.Mutex
	orchs  map[string]*Orchestrator
	idleAt map[string]time.Time
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager starts the janitor and returns an empty manager.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		log:    deps.Log.WithFields(zap.String("component", "orchestrator-manager")),
		deps:   deps,
		orchs:  make(map[string]*Orchestrator),
		idleAt: make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// Get returns the project's orchestrator, creating it on first use. The
// project must exist in the project store.
func (m *Manager) Get(ctx context.Context, projectID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if o, ok := m.orchs[projectID]; ok {
		return o, nil
	}

	p, err := m.deps.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	o, err := NewOrchestrator(ctx, projectID, p.Path, m.deps)
	if err != nil {
		return nil, err
	}
	m.orchs[projectID] = o
	delete(m.idleAt, projectID)
	m.log.Info("orchestrator created", zap.String("project_id", projectID))
	return o, nil
}

// Lookup returns the project's orchestrator without creating one.
func (m *Manager) Lookup(projectID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orchs[projectID]
	return o, ok
}

// Count returns the number of resident orchestrators.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orchs)
}

// Drop shuts down and removes the project's orchestrator, if present. Used
// when a project is deleted.
func (m *Manager) Drop(ctx context.Context, projectID string) {
	m.mu.Lock()
	o, ok := m.orchs[projectID]
	delete(m.orchs, projectID)
	delete(m.idleAt, projectID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := o.Shutdown(ctx); err != nil {
		m.log.Warn("orchestrator shutdown failed",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep reclaims orchestrators that stayed idle for the whole linger period.
// A project becomes idle once its queue is empty, no run is in flight, and
// no subscriber is attached; activity of any kind resets the clock.
func (m *Manager) sweep(now time.Time) {
	linger := m.deps.Orch.IdleLinger()

	var victims []*Orchestrator
	m.mu.Lock()
	for projectID, o := range m.orchs {
		if o.Busy() {
			delete(m.idleAt, projectID)
			continue
		}
		since, marked := m.idleAt[projectID]
		if !marked {
			m.idleAt[projectID] = now
			continue
		}
		if now.Sub(since) >= linger {
			delete(m.orchs, projectID)
			delete(m.idleAt, projectID)
			victims = append(victims, o)
			m.log.Info("reclaiming idle orchestrator", zap.String("project_id", projectID))
		}
	}
	m.mu.Unlock()

	for _, o := range victims {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.Shutdown(ctx); err != nil {
			m.log.Warn("idle orchestrator shutdown failed", zap.Error(err))
		}
		cancel()
	}
}

// Shutdown stops the janitor and tears down every orchestrator in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	orchs := make([]*Orchestrator, 0, len(m.orchs))
	for _, o := range m.orchs {
		orchs = append(orchs, o)
	}
	m.orchs = make(map[string]*Orchestrator)
	m.idleAt = make(map[string]time.Time)
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	g, ctx := errgroup.WithContext(ctx)
	for _, o := range orchs {
		o := o
		g.Go(func() error {
			return o.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("orchestrator shutdown: %w", err)
	}
	m.log.Info("all orchestrators stopped", zap.Int("count", len(orchs)))
	return nil
}
