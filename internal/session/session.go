// Package session tracks per (project, agent) conversation state: the native
// session id used to resume the CLI's context, the last model used, and the
// last event seq the session produced. State lives in memory; durability comes
// from the message transcript, which Seed replays on first access.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/message"
)

// Session is the resumable conversation state for one (project, agent) pair.
type Session struct {
	ProjectID       string     `json:"project_id"`
	Agent           agent.Kind `json:"agent"`
	NativeSessionID string     `json:"native_session_id,omitempty"`
	LastModel       string     `json:"last_model,omitempty"`
	Seq             int64      `json:"seq"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type key struct {
	projectID string
	kind      agent.Kind
}

// Store is the process-wide session table. Reads return copies; writes go
// through Update so each key has a single-writer discipline under the lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[key]Session
	seeded   map[string]bool
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[key]Session),
		seeded:   make(map[string]bool),
	}
}

// Get returns a copy of the session for (projectID, kind), if present.
func (s *Store) Get(projectID string, kind agent.Kind) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key{projectID, kind}]
	return sess, ok
}

// Update applies fn to the stored session (zero-valued if absent), stamps
// UpdatedAt, and returns the result.
func (s *Store) Update(projectID string, kind agent.Kind, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{projectID, kind}
	sess, ok := s.sessions[k]
	if !ok {
		sess = Session{ProjectID: projectID, Agent: kind}
	}
	fn(&sess)
	sess.ProjectID = projectID
	sess.Agent = kind
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[k] = sess
	return sess
}

// ForProject returns copies of all sessions belonging to a project.
func (s *Store) ForProject(projectID string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Session
	for k, sess := range s.sessions {
		if k.projectID == projectID {
			result = append(result, sess)
		}
	}
	return result
}

// DeleteProject removes all session rows for a project. Called when the
// owning project is deleted.
func (s *Store) DeleteProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.sessions {
		if k.projectID == projectID {
			delete(s.sessions, k)
		}
	}
	delete(s.seeded, projectID)
}

// Seed populates the store for a project by replaying its transcript. It runs
// at most once per project; later calls are no-ops so live updates are never
// clobbered by a stale replay.
func (s *Store) Seed(ctx context.Context, projectID string, msgs message.Store) error {
	s.mu.RLock()
	done := s.seeded[projectID]
	s.mu.RUnlock()
	if done {
		return nil
	}

	history, err := msgs.ListAfter(ctx, projectID, 0, 0)
	if err != nil {
		return err
	}
	projected := Project(projectID, history)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded[projectID] {
		return nil
	}
	for kind, sess := range projected {
		k := key{projectID, kind}
		if _, exists := s.sessions[k]; !exists {
			s.sessions[k] = sess
		}
	}
	s.seeded[projectID] = true
	return nil
}
