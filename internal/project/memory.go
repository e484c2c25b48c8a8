package project

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrabby/vrabby/internal/agent"
)

// MemoryStore keeps projects in memory. Used in tests and when the server
// runs without a database.
type MemoryStore struct {
	projects map[string]*Project
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory project store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

func (s *MemoryStore) Create(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.PreferredAgent == "" {
		p.PreferredAgent = agent.KindClaude
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	clone := *p
	s.projects[p.ID] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		clone := *p
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.ID]; !ok {
		return fmt.Errorf("project not found: %s", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	clone := *p
	s.projects[p.ID] = &clone
	return nil
}

func (s *MemoryStore) SetPreferredAgent(ctx context.Context, id string, kind agent.Kind) error {
	return s.mutate(id, func(p *Project) { p.PreferredAgent = kind })
}

func (s *MemoryStore) SetPreferredModel(ctx context.Context, id, model string) error {
	return s.mutate(id, func(p *Project) { p.PreferredModel = model })
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("project not found: %s", id)
	}
	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) mutate(id string, fn func(*Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project not found: %s", id)
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	return nil
}
